package qap

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
}

func exportFolder(t *testing.T) string {
	dir := t.TempDir()
	for _, p := range []string{
		"DTI_CMH_H001_01/DTI_CMH_H001_01_01_MR_T1_01_sag-MPRAGE.nii.gz",
		"DTI_CMH_H001_01/DTI_CMH_H001_01_01_MR_RST_05_rest.nii.gz",
		"DTI_CMH_H001_01/DTI_CMH_H001_01_01_MR_DTI_06_dti.nii.gz",
		"DTI_CMH_H040_02/DTI_CMH_H040_02_01_MR_T1_02_descr.nii.gz",
		"DTI_CMH_H040_02/notes.nii.gz",
		"DTI_CMH_H040_02/DTI_CMH_H040_02_01_MR_T1_02_descr.json",
	} {
		touch(t, filepath.Join(dir, p))
	}
	return dir
}

func TestBuild(t *testing.T) {
	dir := exportFolder(t)
	got, err := Build(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := SubjectList{
		"DTI_CMH_H001": {
			"01": {
				"anatomical_scan": {"DTI_CMH_H001_01_01_MR_T1_01_sag_MPRAGE": filepath.Join(dir, "DTI_CMH_H001_01/DTI_CMH_H001_01_01_MR_T1_01_sag-MPRAGE.nii.gz")},
				"functional_scan": {"DTI_CMH_H001_01_01_MR_RST_05_rest": filepath.Join(dir, "DTI_CMH_H001_01/DTI_CMH_H001_01_01_MR_RST_05_rest.nii.gz")},
			},
		},
		"DTI_CMH_H040": {
			"02": {
				"anatomical_scan": {"DTI_CMH_H040_02_01_MR_T1_02_descr": filepath.Join(dir, "DTI_CMH_H040_02/DTI_CMH_H040_02_01_MR_T1_02_descr.nii.gz")},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Build() mismatch (-want +got):\n%s", diff)
	}
}

func TestFilestem(t *testing.T) {
	if got := Filestem("A_B-C.nii.gz"); got != "A_B_C" {
		t.Errorf("Filestem() = %q", got)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	list, err := Build(exportFolder(t))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "subjects.yaml")
	if err := list.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back SubjectList
	if err := yaml.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(list, back); diff != "" {
		t.Errorf("YAML round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWritePerSubject(t *testing.T) {
	list, err := Build(exportFolder(t))
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "lists")
	written, err := list.WritePerSubject(out)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(written)
	want := []string{filepath.Join(out, "DTI_CMH_H001.yaml"), filepath.Join(out, "DTI_CMH_H040.yaml")}
	if diff := cmp.Diff(want, written); diff != "" {
		t.Errorf("WritePerSubject() mismatch (-want +got):\n%s", diff)
	}
	data, err := os.ReadFile(want[1])
	if err != nil {
		t.Fatal(err)
	}
	var one SubjectList
	if err := yaml.Unmarshal(data, &one); err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one["DTI_CMH_H040"] == nil {
		t.Errorf("per subject file = %v", one)
	}
}
