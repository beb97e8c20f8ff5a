// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package headercheck diffs the DICOM headers of an exam against gold
// standard headers to find protocol changes.
//
// A standards folder has one subfolder per scan tag (T1, RST, ...) with a
// sample DICOM file. An exam folder has one DICOM file per series, named
// like SPN01_CMH_0001_01_01_MR_T1_03_sag-MPRAGE.dcm so the tag can be read
// from the name.
package headercheck

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/dcmheader"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/scanid"
)

//go:embed rules/headers.json
var defaultRules []byte

// Rules lists headers that are expected to differ between exams and the
// number of decimals to compare for numeric headers.
type Rules struct {
	Ignored    []string       `json:"ignored"`
	Tolerances map[string]int `json:"decimal_tolerances"`
	ignored    map[string]bool
}

// DefaultRules returns the rules shipped with the binary.
func DefaultRules() Rules {
	r, err := ParseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("embedded header rules: %v", err))
	}
	return r
}

// LoadRules reads rules from a JSON file.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read header rules: %w", err)
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (Rules, error) {
	var r Rules
	if err := json.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("decode header rules: %w", err)
	}
	r.ignored = make(map[string]bool, len(r.Ignored))
	for _, h := range r.Ignored {
		r.ignored[h] = true
	}
	return r, nil
}

// Mismatch is a header whose value differs from the standard.
type Mismatch struct {
	Header    string
	Expected  string
	Actual    string
	Tolerance int
	// Rounded is set when the values were compared at Tolerance decimals.
	Rounded bool
}

// Diff is the result of comparing one series to its standard.
type Diff struct {
	Path           string
	Standard       string
	OnlyInSeries   []string
	OnlyInStandard []string
	Mismatches     []Mismatch
}

// Empty reports whether the series matches the standard.
func (d Diff) Empty() bool {
	return len(d.OnlyInSeries) == 0 && len(d.OnlyInStandard) == 0 && len(d.Mismatches) == 0
}

// Compare diffs a series header against the standard header.
func Compare(standard, series dcmheader.Header, rules Rules) Diff {
	if rules.ignored == nil {
		rules.ignored = make(map[string]bool, len(rules.Ignored))
		for _, h := range rules.Ignored {
			rules.ignored[h] = true
		}
	}
	var d Diff
	for _, h := range series.Keys() {
		if rules.ignored[h] {
			continue
		}
		if _, ok := standard[h]; !ok {
			d.OnlyInSeries = append(d.OnlyInSeries, h)
		}
	}
	for _, h := range standard.Keys() {
		if rules.ignored[h] {
			continue
		}
		actual, ok := series[h]
		if !ok {
			d.OnlyInStandard = append(d.OnlyInStandard, h)
			continue
		}
		expected := standard[h]
		if n, ok := rules.Tolerances[h]; ok {
			e, errE := strconv.ParseFloat(expected, 64)
			a, errA := strconv.ParseFloat(actual, 64)
			if errE == nil && errA == nil {
				e, a = round(e, n), round(a, n)
				if e != a {
					d.Mismatches = append(d.Mismatches, Mismatch{
						Header:    h,
						Expected:  strconv.FormatFloat(e, 'f', -1, 64),
						Actual:    strconv.FormatFloat(a, 'f', -1, 64),
						Tolerance: n,
						Rounded:   true,
					})
				}
				continue
			}
		}
		if expected != actual {
			d.Mismatches = append(d.Mismatches, Mismatch{Header: h, Expected: expected, Actual: actual})
		}
	}
	return d
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

// Print writes the diff in the line format
//
//	path: headers in series, not in standard: a, b
//	path: headers in standard, not in series: c
//	path: header h, expected = x, actual = y [tolerance = n]
func (d Diff) Print(w io.Writer) {
	if len(d.OnlyInSeries) > 0 {
		fmt.Fprintf(w, "%s: headers in series, not in standard: %s\n", d.Path, strings.Join(d.OnlyInSeries, ", "))
	}
	if len(d.OnlyInStandard) > 0 {
		fmt.Fprintf(w, "%s: headers in standard, not in series: %s\n", d.Path, strings.Join(d.OnlyInStandard, ", "))
	}
	for _, m := range d.Mismatches {
		if m.Rounded {
			fmt.Fprintf(w, "%s: header %s, expected = %s, actual = %s [tolerance = %d]\n", d.Path, m.Header, m.Expected, m.Actual, m.Tolerance)
			continue
		}
		fmt.Fprintf(w, "%s: header %s, expected = %s, actual = %s\n", d.Path, m.Header, m.Expected, m.Actual)
	}
}

// Standard is the gold standard header for one tag.
type Standard struct {
	Path   string
	Header dcmheader.Header
}

// LoadStandards reads the standards folder. The tag of a standard is the
// name of the folder holding it.
func LoadStandards(dir string) (map[string]Standard, error) {
	headers, err := dcmheader.ReadFolder(dir, true)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(headers))
	for p := range headers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	standards := make(map[string]Standard)
	for _, p := range paths {
		tag := filepath.Base(filepath.Dir(p))
		if _, ok := standards[tag]; ok {
			continue
		}
		standards[tag] = Standard{Path: p, Header: headers[p]}
	}
	return standards, nil
}

// Checker compares exam folders against a set of standards.
type Checker struct {
	Standards map[string]Standard
	Rules     Rules
	// Quiet suppresses warnings about series without a standard.
	Quiet  bool
	Out    io.Writer
	Logger log.Logger
}

// CheckExam compares every DICOM file of an exam folder to the standard of
// its tag, prints the differences and returns them.
func (c *Checker) CheckExam(examDir string) ([]Diff, error) {
	logger := c.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	headers, err := dcmheader.ReadFolder(examDir, false)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(headers))
	for p := range headers {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var diffs []Diff
	for _, p := range paths {
		_, tag, _, _, err := scanid.ParseFilename(p)
		if err != nil {
			level.Warn(logger).Log("msg", "file name is not a scan name, skipping", "path", p)
			continue
		}
		std, ok := c.Standards[tag]
		if !ok {
			if !c.Quiet {
				fmt.Fprintf(c.Out, "WARNING: %s: No matching standard for tag '%s'\n", p, tag)
			}
			continue
		}
		d := Compare(std.Header, headers[p], c.Rules)
		d.Path, d.Standard = p, std.Path
		d.Print(c.Out)
		diffs = append(diffs, d)
	}
	return diffs, nil
}
