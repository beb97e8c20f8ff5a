// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package qap builds QAP subject lists from a NIfTI export folder.
//
// The folder holds one sub folder per subject timepoint with scan files:
//
//	<datadir>/DTI_CMH_H001_01/DTI_CMH_H001_01_01_MR_T1_01_descr.nii.gz
//
// The subject list maps subject, timepoint, QAP image kind and file stem to
// the path of the image.
package qap

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/scanid"
)

const niftiExt = ".nii.gz"

// ImageTypes maps scan tags to QAP image kinds. Other tags are left out.
var ImageTypes = map[string]string{
	"T1":  "anatomical_scan",
	"RST": "functional_scan",
}

// SubjectList is subject -> timepoint -> kind -> file stem -> path.
type SubjectList map[string]map[string]map[string]map[string]string

func (s SubjectList) add(subject, timepoint, kind, stem, path string) {
	tps, ok := s[subject]
	if !ok {
		tps = make(map[string]map[string]map[string]string)
		s[subject] = tps
	}
	kinds, ok := tps[timepoint]
	if !ok {
		kinds = make(map[string]map[string]string)
		tps[timepoint] = kinds
	}
	stems, ok := kinds[kind]
	if !ok {
		stems = make(map[string]string)
		kinds[kind] = stems
	}
	stems[stem] = path
}

// Build scans <datadir>/*/*.nii.gz. Files whose name is not a scan name or
// whose tag is not in ImageTypes are skipped.
func Build(datadir string) (SubjectList, error) {
	paths, err := filepath.Glob(filepath.Join(datadir, "*", "*"+niftiExt))
	if err != nil {
		return nil, err
	}
	list := make(SubjectList)
	for _, path := range paths {
		filename := filepath.Base(path)
		ident, tag, _, _, err := scanid.ParseFilename(filename)
		if err != nil {
			continue
		}
		kind, ok := ImageTypes[tag]
		if !ok {
			continue
		}
		list.add(ident.FullSubjectID(), ident.Timepoint, kind, Filestem(filename), path)
	}
	return list, nil
}

// Filestem drops the extension and replaces dashes, graphviz does not
// accept them in node names.
func Filestem(filename string) string {
	stem := strings.TrimSuffix(filename, niftiExt)
	return strings.ReplaceAll(stem, "-", "_")
}

// Write encodes the whole list as YAML.
func (s SubjectList) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode subject list: %w", err)
	}
	return enc.Close()
}

// WriteFile writes the whole list to path.
func (s SubjectList) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WritePerSubject writes <subject>.yaml into dir for every subject, each
// holding a list with that subject only.
func (s SubjectList) WritePerSubject(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	var written []string
	for subject, data := range s {
		path := filepath.Join(dir, subject+".yaml")
		if err := (SubjectList{subject: data}).WriteFile(path); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}
