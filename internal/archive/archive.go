// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package archive finds exam archives (zip files of DICOM images) and reads
// the first DICOM header stored in them.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/dcmheader"
)

// Ext is the file extension of an exam archive.
const Ext = ".zip"

var (
	// ErrNoDicom is returned when no entry of an archive parses as DICOM.
	ErrNoDicom = errors.New("archive contains no DICOM")
	// ErrBadZip is returned when the archive itself cannot be read.
	ErrBadZip = errors.New("bad zip file")
)

// List returns the paths of all exam archives in dir, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	var archives []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		archives = append(archives, filepath.Join(dir, e.Name()))
	}
	sort.Strings(archives)
	return archives, nil
}

// SourceName is the archive file name without directory and extension,
// 2014_0126_FB001.zip becomes 2014_0126_FB001.
func SourceName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// FirstHeader returns the header of the first entry in the archive that
// parses as DICOM.
func FirstHeader(path string) (dcmheader.Header, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadZip, path, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s: %v", ErrBadZip, path, f.Name, err)
		}
		header, err := dcmheader.FromReader(rc, int64(f.UncompressedSize64))
		rc.Close()
		if err != nil {
			continue
		}
		return header, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoDicom, path)
}
