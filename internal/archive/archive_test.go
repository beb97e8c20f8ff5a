package archive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/dcmtest"
)

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.zip", "a.zip", "notes.txt", "c.ZIP"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "d.zip"), 0755); err != nil {
		t.Fatal(err)
	}
	got, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "a.zip"), filepath.Join(dir, "b.zip")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
	if _, err := List(filepath.Join(dir, "missing")); err == nil {
		t.Error("List(missing) want error")
	}
}

func TestSourceName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/zips/2014_0126_FB001.zip", "2014_0126_FB001"},
		// trailing letters of the name that happen to be in ".zip" stay
		{"/zips/SPN01_zip.zip", "SPN01_zip"},
		{"pz.zip", "pz"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		if got := SourceName(tt.path); got != tt.want {
			t.Errorf("SourceName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestFirstHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exam.zip")
	dcmtest.WriteZip(t, path,
		dcmtest.Entry{Name: "README", Raw: []byte("hello")},
		dcmtest.Entry{Name: "0001.dcm", Fields: map[string]string{"PatientName": "SPN01_CMH_0001_01_01"}},
		dcmtest.Entry{Name: "0002.dcm", Fields: map[string]string{"PatientName": "other"}},
	)
	header, err := FirstHeader(path)
	if err != nil {
		t.Fatal(err)
	}
	if header["PatientName"] != "SPN01_CMH_0001_01_01" {
		t.Errorf("PatientName = %q", header["PatientName"])
	}
}

func TestFirstHeaderErrors(t *testing.T) {
	dir := t.TempDir()

	noDicom := filepath.Join(dir, "empty.zip")
	dcmtest.WriteZip(t, noDicom, dcmtest.Entry{Name: "README", Raw: []byte("hello")})
	if _, err := FirstHeader(noDicom); !errors.Is(err, ErrNoDicom) {
		t.Errorf("FirstHeader(no dicom) error = %v, want ErrNoDicom", err)
	}

	bad := filepath.Join(dir, "bad.zip")
	if err := os.WriteFile(bad, []byte("this is not a zip"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := FirstHeader(bad); !errors.Is(err, ErrBadZip) {
		t.Errorf("FirstHeader(bad zip) error = %v, want ErrBadZip", err)
	}
}
