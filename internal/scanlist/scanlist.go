// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scanlist maintains scans.csv, a tab separated lookup table for
// studies where the DICOM headers hold enough information to derive the
// scan id but not in the right format.
package scanlist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/archive"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/dcmheader"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/scanid"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/subjectid"
)

// FileName is the name of the scan list in the study meta folder.
const FileName = "scans.csv"

// Columns is the header of the scan list.
var Columns = []string{"source_name", "target_name", "PatientName", "StudyID"}

// Entry is one line of the scan list.
type Entry struct {
	SourceName  string
	TargetName  string
	PatientName string
	StudyID     string
}

// TargetFunc derives the scan id of an archive from its header.
type TargetFunc func(header dcmheader.Header) string

// FromPatientName names archives after their PatientName, rewritten with
// the subject id rules of study.
func FromPatientName(rules subjectid.Rules, study string) TargetFunc {
	return func(header dcmheader.Header) string {
		return rules.Apply(study, header["PatientName"])
	}
}

// NewEntry reads the first header of an archive. Archives without DICOM
// files get an <ignore> entry.
func NewEntry(path string, target TargetFunc) (Entry, error) {
	e := Entry{SourceName: archive.SourceName(path)}
	header, err := archive.FirstHeader(path)
	if errors.Is(err, archive.ErrNoDicom) {
		e.TargetName, e.PatientName, e.StudyID = scanid.Ignore, scanid.Ignore, scanid.Ignore
		return e, nil
	}
	if err != nil {
		return Entry{}, err
	}
	e.PatientName = header["PatientName"]
	e.StudyID = header["StudyID"]
	e.TargetName = target(header)
	return e, nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

// Read returns the source names already in the scan list.
func Read(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cr := newReader(f)
	if _, err := cr.Read(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read scan list header: %w", err)
	}
	known := make(map[string]bool)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed scan entry: %w", err)
		}
		if len(rec) == 0 || rec[0] == "" {
			continue
		}
		known[rec[0]] = true
	}
	return known, nil
}

// Generate appends an entry to <destDir>/scans.csv for every archive that
// is not listed yet and returns the new entries. The file is created with a
// header when missing.
func Generate(zips []string, destDir string, target TargetFunc, logger log.Logger) ([]Entry, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	output := filepath.Join(destDir, FileName)
	if _, err := os.Stat(output); errors.Is(err, os.ErrNotExist) {
		level.Info(logger).Log("msg", "starting new scan list", "path", output)
		if err := writeEntries(output, os.O_CREATE|os.O_EXCL|os.O_WRONLY, [][]string{Columns}); err != nil {
			return nil, err
		}
	}
	known, err := Read(output)
	if err != nil {
		return nil, fmt.Errorf("cant read scan entries from %s: %w", output, err)
	}

	var entries []Entry
	var records [][]string
	for _, path := range zips {
		if filepath.Ext(path) != archive.Ext {
			continue
		}
		if known[archive.SourceName(path)] {
			continue
		}
		e, err := NewEntry(path, target)
		if err != nil {
			level.Error(logger).Log("msg", "cant make an entry", "archive", path, "err", err)
			continue
		}
		if e.TargetName == scanid.Ignore {
			level.Debug(logger).Log("msg", "archive contains no dicoms, creating ignore entry", "archive", path)
		}
		known[e.SourceName] = true
		entries = append(entries, e)
		records = append(records, []string{e.SourceName, e.TargetName, e.PatientName, e.StudyID})
	}

	level.Debug(logger).Log("msg", "writing new entries to scans file", "count", len(entries))
	if len(records) == 0 {
		return nil, nil
	}
	if err := writeEntries(output, os.O_APPEND|os.O_WRONLY, records); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeEntries(path string, flag int, records [][]string) error {
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(f)
	cw.Comma = '\t'
	if err := cw.WriteAll(records); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
