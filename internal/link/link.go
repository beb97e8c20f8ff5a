// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package link gives exam archives their scan id by placing a relative
// symbolic link named <scanid>.zip in the study dicom folder.
//
// The scan id of an archive comes from the lookup table (source_name to
// target_name, usually the study manifest). Archives missing from the table
// are named after a DICOM header field that must hold a valid scan id.
// Lookup rows can require header values with dicom_<Keyword> columns, and a
// target_name of <ignore> skips the archive.
package link

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/archive"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/dcmheader"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/scanid"
)

// DefaultScanIDField is the header field read when an archive is not in the
// lookup table.
const DefaultScanIDField = "PatientName"

// Options controls a link run.
type Options struct {
	ZipsDir  string
	DicomDir string
	Lookup   Lookup
	// ScanIDField is the DICOM keyword holding the scan id.
	ScanIDField string
	// Archives restricts the run to these file names in ZipsDir.
	Archives []string
	DryRun   bool
	Logger   log.Logger
}

// Result counts what happened to the archives of a run.
type Result struct {
	Found         int
	Linked        int
	AlreadyLinked int
	Ignored       int
	Failed        int
}

var (
	errHeaderMismatch = errors.New("dicom headers do not match expected")
	errNoScanID       = errors.New("scan id not found")
	errTargetExists   = errors.New("target already exists")
)

type linker struct {
	Options
	logger log.Logger
	// resolved archive path to existing link
	linked map[string]string
	header func(string) (dcmheader.Header, error)
}

// Run links all archives of the zips folder, or those named in
// opts.Archives. A missing dicom folder is created. A missing zips folder is
// an error; problems with single archives are logged and counted.
func Run(opts Options) (*Result, error) {
	l := &linker{Options: opts, logger: opts.Logger, header: archive.FirstHeader}
	if l.logger == nil {
		l.logger = log.NewNopLogger()
	}
	if l.ScanIDField == "" {
		l.ScanIDField = DefaultScanIDField
	}

	if _, err := os.Stat(l.DicomDir); errors.Is(err, os.ErrNotExist) {
		level.Warn(l.logger).Log("msg", "dicom folder doesnt exist, creating it", "path", l.DicomDir)
		if err := os.MkdirAll(l.DicomDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dicom path %s: %w", l.DicomDir, err)
		}
	}
	if info, err := os.Stat(l.ZipsDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("zips path %s doesnt exist", l.ZipsDir)
	}

	var err error
	if l.linked, err = existingLinks(l.DicomDir); err != nil {
		return nil, err
	}

	var archives []string
	if len(l.Archives) > 0 {
		for _, name := range l.Archives {
			archives = append(archives, filepath.Join(l.ZipsDir, filepath.Base(name)))
		}
	} else if archives, err = archive.List(l.ZipsDir); err != nil {
		return nil, err
	}
	level.Info(l.logger).Log("msg", "found archives", "count", len(archives))

	res := &Result{Found: len(archives)}
	for _, path := range archives {
		switch o, err := l.link(path); {
		case err != nil:
			level.Error(l.logger).Log("msg", "cannot link archive", "archive", path, "err", err)
			res.Failed++
		case o == alreadyLinked:
			res.AlreadyLinked++
		case o == ignored:
			res.Ignored++
		default:
			res.Linked++
		}
	}
	return res, nil
}

type outcome int

const (
	linked outcome = iota
	alreadyLinked
	ignored
)

func (l *linker) link(path string) (outcome, error) {
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return linked, errors.New("archive not found")
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		if at, ok := l.linked[resolved]; ok {
			level.Info(l.logger).Log("msg", "already linked", "archive", path, "link", at)
			return alreadyLinked, nil
		}
	}

	var id string
	entry, inTable := l.Lookup[archive.SourceName(path)]
	switch {
	case inTable && entry.TargetName == scanid.Ignore:
		level.Info(l.logger).Log("msg", "ignoring", "archive", path)
		return ignored, nil
	case inTable && entry.TargetName != "":
		if err := l.validate(path, entry); err != nil {
			return linked, err
		}
		id = entry.TargetName
	default:
		level.Debug(l.logger).Log("msg", "not in lookup table", "source_name", archive.SourceName(path))
		var err error
		if id, err = l.scanIDFromHeader(path); err != nil {
			return linked, err
		}
	}

	target := filepath.Join(l.DicomDir, id+filepath.Ext(path))
	if _, err := os.Lstat(target); err == nil {
		return linked, fmt.Errorf("%w: %s", errTargetExists, target)
	}
	rel, err := filepath.Rel(l.DicomDir, path)
	if err != nil {
		return linked, err
	}
	level.Info(l.logger).Log("msg", "linking", "source", rel, "target", target)
	if l.DryRun {
		return linked, nil
	}
	if err := os.Symlink(rel, target); err != nil {
		return linked, err
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		l.linked[resolved] = target
	}
	return linked, nil
}

// validate checks the dicom_* expectations of a lookup entry. An archive
// without a readable DICOM file never passes, expectations or not.
func (l *linker) validate(path string, entry Entry) error {
	header, err := l.header(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errHeaderMismatch, err)
	}
	for field, expected := range entry.Expect {
		actual, ok := header[field]
		if !ok {
			return fmt.Errorf("%w: %s field is not in dicom headers", errHeaderMismatch, field)
		}
		if actual != expected {
			return fmt.Errorf("%w: dicom field %s = %q, expected %q", errHeaderMismatch, field, actual, expected)
		}
	}
	return nil
}

func (l *linker) scanIDFromHeader(path string) (string, error) {
	header, err := l.header(path)
	if err != nil {
		level.Warn(l.logger).Log("msg", "archive contains no DICOMs", "archive", path)
		return "", fmt.Errorf("%w: %v", errNoScanID, err)
	}
	value, ok := header[l.ScanIDField]
	if !ok {
		return "", fmt.Errorf("%w: %s field is not in dicom headers", errNoScanID, l.ScanIDField)
	}
	if !scanid.IsScanID(value) {
		level.Warn(l.logger).Log("msg", "not a valid scan id", "archive", path, "field", l.ScanIDField, "value", value)
		return "", fmt.Errorf("%w: %q is not a valid scan id", errNoScanID, value)
	}
	level.Debug(l.logger).Log("msg", "using scan id from dicom field", "archive", path, "field", l.ScanIDField, "scanid", value)
	return value, nil
}

// existingLinks maps the resolved target of every symbolic link in dir to
// the link path.
func existingLinks(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dicom folder: %w", err)
	}
	links := make(map[string]string)
	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 {
			continue
		}
		p := filepath.Join(dir, e.Name())
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			continue
		}
		links[resolved] = p
	}
	return links, nil
}
