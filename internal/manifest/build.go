// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifest

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/archive"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/dcmheader"
)

const (
	DefaultSite     = "CMH"
	DefaultModality = "MR"
)

// Options controls a manifest update.
type Options struct {
	Study        string
	Site         string
	Modality     string
	ManifestPath string
	ZipsDir      string
	// DryRun computes the new table without writing it.
	DryRun bool
	Logger log.Logger
}

// Result summarizes a manifest update.
type Result struct {
	Table   *Table
	Found   int
	Added   int
	Known   int
	Skipped int
}

// HeaderFunc returns the DICOM header of an exam archive.
type HeaderFunc func(path string) (dcmheader.Header, error)

// Build adds all archives of the zips folder that are not yet listed to the
// manifest, renumbers visits and sessions, regenerates the session
// identifiers and saves the manifest. Archives without a readable DICOM
// header are logged and left out.
func Build(opts Options) (*Result, error) {
	return build(opts, archive.FirstHeader)
}

func build(opts Options, firstHeader HeaderFunc) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Site == "" {
		opts.Site = DefaultSite
	}
	if opts.Modality == "" {
		opts.Modality = DefaultModality
	}
	if info, err := os.Stat(opts.ZipsDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("zips path %s doesnt exist", opts.ZipsDir)
	}

	t, err := Load(opts.ManifestPath, logger)
	if err != nil {
		return nil, err
	}
	archives, err := archive.List(opts.ZipsDir)
	if err != nil {
		return nil, err
	}

	res := &Result{Table: t, Found: len(archives)}
	for _, path := range archives {
		source := archive.SourceName(path)
		if t.Contains(source) {
			level.Debug(logger).Log("msg", "archive already in manifest, skipping", "archive", path)
			res.Known++
			continue
		}
		level.Info(logger).Log("msg", "adding archive", "archive", path)
		header, err := firstHeader(path)
		if err != nil {
			level.Warn(logger).Log("msg", "no headers for archive, skipping", "archive", path, "err", err)
			res.Skipped++
			continue
		}
		if err := t.Append(rowFromHeader(source, header, logger)); err != nil {
			return nil, err
		}
		res.Added++
	}

	level.Info(logger).Log("msg", "reindexing visits and sessions")
	t.Reindex()

	level.Info(logger).Log("msg", "generating session ids")
	GenerateSessionIDs(t.Rows, Namer{Study: opts.Study, Site: opts.Site, Modality: opts.Modality}, logger)

	if opts.DryRun {
		level.Info(logger).Log("msg", "dry run, manifest not written", "path", opts.ManifestPath)
		return res, nil
	}
	level.Info(logger).Log("msg", "writing manifest", "path", opts.ManifestPath)
	if err := t.Save(opts.ManifestPath); err != nil {
		return nil, err
	}
	return res, nil
}

func rowFromHeader(source string, header dcmheader.Header, logger log.Logger) Row {
	integer := func(key string) int64 {
		v, err := header.Int(key)
		if err != nil {
			level.Warn(logger).Log("msg", "unreadable header value, using 0", "source_name", source, "err", err)
		}
		return v
	}
	return NewRow(source, header["PatientID"], header["PatientName"], integer("StudyDate"), integer("StudyTime"))
}
