// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dcmheader reads the non-pixel header of a DICOM file into a flat
// keyword to value map.
package dcmheader

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Header maps a DICOM keyword such as PatientName to its value. Multi
// valued elements are joined with a backslash as in the DICOM encoding.
type Header map[string]string

// ErrNotDicom is returned when the input could not be parsed as DICOM.
var ErrNotDicom = errors.New("not a DICOM file")

// FromReader parses a DICOM stream of the given size. Pixel data is skipped.
func FromReader(r io.Reader, size int64) (Header, error) {
	dataset, err := dicom.Parse(r, size, nil, dicom.SkipPixelData())
	return fromDataset(dataset, err)
}

// FromFile parses the DICOM file at path.
func FromFile(path string) (Header, error) {
	dataset, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	return fromDataset(dataset, err)
}

func fromDataset(dataset dicom.Dataset, err error) (Header, error) {
	// some files carry private tags with an undeclared value representation,
	// the library stops there but everything read so far is usable
	if err != nil && errors.Is(err, io.ErrUnexpectedEOF) && len(dataset.Elements) > 0 {
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDicom, err)
	}

	header := make(Header, len(dataset.Elements))
	for _, elem := range dataset.Elements {
		if elem == nil || elem.Value == nil {
			continue
		}
		switch elem.ValueRepresentation {
		case tag.VRUInt16List, tag.VRUInt32List, tag.VRBytes, tag.VRPixelData, tag.VRSequence:
			continue
		}
		info, err := tag.Find(elem.Tag)
		if err != nil || info.Keyword == "" {
			// private or unknown tag
			continue
		}
		var values []string
		switch elem.Value.ValueType() {
		case dicom.Strings:
			values = elem.Value.GetValue().([]string)
		case dicom.Ints:
			for _, v := range elem.Value.GetValue().([]int) {
				values = append(values, strconv.Itoa(v))
			}
		case dicom.Floats:
			for _, v := range elem.Value.GetValue().([]float64) {
				values = append(values, strconv.FormatFloat(v, 'f', -1, 64))
			}
		default:
			continue
		}
		header[info.Keyword] = strings.TrimSpace(strings.Join(values, `\`))
	}
	return header, nil
}

// Keys returns the header keywords in sorted order.
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Int returns the integer value of a DA, TM or IS encoded field. Fractional
// seconds of a time (HHMMSS.FFFFFF) are dropped. A missing field reads as 0.
func (h Header) Int(key string) (int64, error) {
	raw, ok := h[key]
	if !ok || raw == "" {
		return 0, nil
	}
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("header %s: %q is not an integer", key, h[key])
	}
	return v, nil
}

// ReadFolder parses every file in dir and returns the headers of those that
// are DICOM, keyed by path. Subdirectories are visited when recurse is set.
func ReadFolder(dir string, recurse bool) (map[string]Header, error) {
	headers := make(map[string]Header)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recurse {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) == ".zip" {
			return nil
		}
		header, err := FromFile(path)
		if err != nil {
			return nil
		}
		headers[path] = header
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read folder %s: %w", dir, err)
	}
	return headers, nil
}
