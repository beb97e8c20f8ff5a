// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dcmtest writes small DICOM files and exam archives for tests.
package dcmtest

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	mrImageStorage         = "1.2.840.10008.5.1.4.1.1.4"
	explicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// Entry is one file inside an exam archive. Entries with a nil Fields map
// are written verbatim from Raw.
type Entry struct {
	Name   string
	Fields map[string]string
	Raw    []byte
}

// Encode returns a DICOM file holding the given keyword values.
func Encode(t testing.TB, fields map[string]string) []byte {
	t.Helper()
	mustNewElement := func(tg tag.Tag, data any) *dicom.Element {
		elem, err := dicom.NewElement(tg, data)
		if err != nil {
			t.Fatalf("element %v: %v", tg, err)
		}
		return elem
	}
	elems := []*dicom.Element{
		mustNewElement(tag.FileMetaInformationVersion, []byte{0x00, 0x01}),
		mustNewElement(tag.MediaStorageSOPClassUID, []string{mrImageStorage}),
		mustNewElement(tag.MediaStorageSOPInstanceUID, []string{"1.2.826.0.1.3680043.2.1125.1"}),
		mustNewElement(tag.TransferSyntaxUID, []string{explicitVRLittleEndian}),
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var body []*dicom.Element
	for _, k := range keys {
		info, err := tag.FindByName(k)
		if err != nil {
			t.Fatalf("unknown DICOM keyword %s: %v", k, err)
		}
		elem, err := dicom.NewElement(info.Tag, []string{fields[k]})
		if err != nil {
			t.Fatalf("element %s: %v", k, err)
		}
		body = append(body, elem)
	}
	// the data set must be in ascending tag order
	sort.Slice(body, func(i, j int) bool {
		a, b := body[i].Tag, body[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: append(elems, body...)}); err != nil {
		t.Fatalf("write DICOM: %v", err)
	}
	return buf.Bytes()
}

// WriteFile writes a DICOM file to path, creating parent directories.
func WriteFile(t testing.TB, path string, fields map[string]string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, Encode(t, fields), 0644); err != nil {
		t.Fatal(err)
	}
}

// WriteZip writes an exam archive with the given entries to path.
func WriteZip(t testing.TB, path string, entries ...Entry) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.Name)
		if err != nil {
			t.Fatal(err)
		}
		data := e.Raw
		if e.Fields != nil {
			data = Encode(t, e.Fields)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

// Exam is a convenience for an archive holding a single DICOM entry.
func Exam(t testing.TB, path string, fields map[string]string) {
	t.Helper()
	WriteZip(t, path, Entry{Name: "0001.dcm", Fields: fields})
}
