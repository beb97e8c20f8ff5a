// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const dicomPrefix = "dicom_"

// Entry is one row of the lookup table.
type Entry struct {
	SourceName string
	TargetName string
	// Expect maps DICOM keywords to the value the archive must carry, taken
	// from the dicom_<Keyword> columns.
	Expect map[string]string
}

// Lookup maps archive source names to their entry.
type Lookup map[string]Entry

// LoadLookup reads a lookup table. The study manifest is a valid lookup
// table.
func LoadLookup(path string) (Lookup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("lookup file %s not found: %w", path, err)
	}
	defer f.Close()
	l, err := ReadLookup(f)
	if err != nil {
		return nil, fmt.Errorf("lookup file %s: %w", path, err)
	}
	return l, nil
}

// ReadLookup parses a comma or tab separated lookup table with at least the
// columns source_name and target_name. The separator is taken from the
// header line.
func ReadLookup(r io.Reader) (Lookup, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}
	if i := bytes.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}

	cr := csv.NewReader(br)
	if bytes.IndexByte(first, '\t') >= 0 && bytes.IndexByte(first, ',') < 0 {
		cr.Comma = '\t'
	}
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty lookup table")
	}
	if err != nil {
		return nil, err
	}
	pos := make(map[string]int, len(header))
	for i, name := range header {
		pos[strings.TrimSpace(name)] = i
	}
	for _, need := range []string{"source_name", "target_name"} {
		if _, ok := pos[need]; !ok {
			return nil, fmt.Errorf("lookup table lacks column %s", need)
		}
	}

	l := make(Lookup)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		cell := func(i int) string {
			if i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		e := Entry{
			SourceName: cell(pos["source_name"]),
			TargetName: cell(pos["target_name"]),
			Expect:     make(map[string]string),
		}
		if e.SourceName == "" {
			continue
		}
		for name, i := range pos {
			if field, ok := strings.CutPrefix(name, dicomPrefix); ok && field != "" {
				e.Expect[field] = cell(i)
			}
		}
		// the first entry for a source name wins
		if _, dup := l[e.SourceName]; !dup {
			l[e.SourceName] = e
		}
	}
	return l, nil
}
