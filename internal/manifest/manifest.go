// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package manifest keeps the CSV table of known exam archives together with
// the visit and session numbers and the session identifiers derived from
// their DICOM headers.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Columns is the header of the manifest file, in file order.
var Columns = []string{
	"source_name",
	"PatientID",
	"PatientName",
	"StudyDate",
	"StudyTime",
	"visit",
	"session",
	"target_name",
	"uploaded",
}

// ErrDuplicate is returned when a source name is added twice.
var ErrDuplicate = errors.New("duplicate source_name")

// Row is one exam archive.
type Row struct {
	SourceName  string
	PatientID   string
	PatientName string
	StudyDate   int64
	StudyTime   int64
	Visit       int64
	Session     int64
	TargetName  string
	Uploaded    string
}

// NewRow returns a row for a newly discovered archive. Visit and session
// start at 1 and are fixed up by Reindex.
func NewRow(sourceName, patientID, patientName string, studyDate, studyTime int64) Row {
	return Row{
		SourceName:  sourceName,
		PatientID:   patientID,
		PatientName: patientName,
		StudyDate:   studyDate,
		StudyTime:   studyTime,
		Visit:       1,
		Session:     1,
	}
}

// Record returns the cells of the row in Columns order.
func (r Row) Record() []string {
	return []string{
		r.SourceName,
		r.PatientID,
		r.PatientName,
		strconv.FormatInt(r.StudyDate, 10),
		strconv.FormatInt(r.StudyTime, 10),
		strconv.FormatInt(r.Visit, 10),
		strconv.FormatInt(r.Session, 10),
		r.TargetName,
		r.Uploaded,
	}
}

// CoercionError reports a manifest cell that does not hold a value of the
// column type.
type CoercionError struct {
	Line   int
	Column string
	Value  string
	Err    error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("manifest line %d: column %s: cannot read %q as integer", e.Line, e.Column, e.Value)
}

func (e *CoercionError) Unwrap() error { return e.Err }

// Table is the in-memory manifest.
type Table struct {
	Rows  []Row
	known map[string]bool
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{known: make(map[string]bool)}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Contains reports whether an archive with sourceName is in the table.
func (t *Table) Contains(sourceName string) bool {
	return t.known[sourceName]
}

// Lookup returns the row for sourceName.
func (t *Table) Lookup(sourceName string) (Row, bool) {
	if !t.known[sourceName] {
		return Row{}, false
	}
	for _, r := range t.Rows {
		if r.SourceName == sourceName {
			return r, true
		}
	}
	return Row{}, false
}

// Append adds a row. Source names must be unique.
func (t *Table) Append(row Row) error {
	if t.known[row.SourceName] {
		return fmt.Errorf("%w: %s", ErrDuplicate, row.SourceName)
	}
	t.Rows = append(t.Rows, row)
	t.known[row.SourceName] = true
	return nil
}

// Load reads the manifest at path. A missing file is created with only the
// header row and an empty table is returned.
func Load(path string, logger log.Logger) (*Table, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		level.Warn(logger).Log("msg", "manifest not found, creating manifest file", "path", path)
		t := NewTable()
		if err := t.Save(path); err != nil {
			return nil, err
		}
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Read parses a manifest. The header must name exactly the manifest
// columns, in any order.
func Read(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Columns)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("manifest is empty, header row missing")
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest header: %w", err)
	}
	pos := make(map[string]int, len(header))
	for i, name := range header {
		pos[name] = i
	}
	for _, name := range Columns {
		if _, ok := pos[name]; !ok {
			return nil, fmt.Errorf("manifest header lacks column %s", name)
		}
	}

	t := NewTable()
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		cell := func(name string) string { return rec[pos[name]] }
		integer := func(name string) (int64, error) {
			v, err := strconv.ParseInt(cell(name), 10, 64)
			if err != nil {
				return 0, &CoercionError{Line: line, Column: name, Value: cell(name), Err: err}
			}
			return v, nil
		}
		row := Row{
			SourceName:  cell("source_name"),
			PatientID:   cell("PatientID"),
			PatientName: cell("PatientName"),
			TargetName:  cell("target_name"),
			Uploaded:    cell("uploaded"),
		}
		if row.StudyDate, err = integer("StudyDate"); err != nil {
			return nil, err
		}
		if row.StudyTime, err = integer("StudyTime"); err != nil {
			return nil, err
		}
		if row.Visit, err = integer("visit"); err != nil {
			return nil, err
		}
		if row.Session, err = integer("session"); err != nil {
			return nil, err
		}
		if err := t.Append(row); err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
	}
	return t, nil
}

// Write encodes the table as CSV with a header row.
func (t *Table) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range t.Rows {
		if err := cw.Write(r.Record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Save writes the table to path. The data goes to a temporary file in the
// same directory first and is renamed over path, so a crash never leaves a
// truncated manifest behind.
func (t *Table) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*.csv")
	if err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if err := t.Write(tmp); err != nil {
		cleanup()
		return fmt.Errorf("save manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("save manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save manifest: %w", err)
	}
	// keep the mode of an existing manifest, CreateTemp uses 0600
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}
