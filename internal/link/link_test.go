package link

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/dcmtest"
)

func TestReadLookup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Lookup
	}{
		{
			"comma with dicom columns",
			"source_name,target_name,dicom_StudyID\n2014_0126_FB001,ASDD_CMH_FB001_01_01,512\n",
			Lookup{"2014_0126_FB001": {SourceName: "2014_0126_FB001", TargetName: "ASDD_CMH_FB001_01_01", Expect: map[string]string{"StudyID": "512"}}},
		},
		{
			"tab separated",
			"source_name\ttarget_name\tPatientName\tStudyID\nx\t<ignore>\tP\t1\n",
			Lookup{"x": {SourceName: "x", TargetName: "<ignore>", Expect: map[string]string{}}},
		},
		{
			"manifest as lookup, first entry wins",
			"source_name,PatientID,PatientName,StudyDate,StudyTime,visit,session,target_name,uploaded\n" +
				"a,1,P,20200101,900,1,1,SPN01_CMH_0001_01_SE01_MR,\n" +
				"a,1,P,20200101,900,1,1,other,\n" +
				"b,1,P,20200101,900,1,1,,\n",
			Lookup{
				"a": {SourceName: "a", TargetName: "SPN01_CMH_0001_01_SE01_MR", Expect: map[string]string{}},
				"b": {SourceName: "b", TargetName: "", Expect: map[string]string{}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadLookup(strings.NewReader(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ReadLookup() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadLookupErrors(t *testing.T) {
	for _, in := range []string{"", "source_name,other\na,b\n"} {
		if _, err := ReadLookup(strings.NewReader(in)); err == nil {
			t.Errorf("ReadLookup(%q) want error", in)
		}
	}
	if _, err := LoadLookup(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("LoadLookup(missing) want error")
	}
}

type study struct {
	zips, dicom string
}

func newStudy(t *testing.T) study {
	t.Helper()
	dir := t.TempDir()
	s := study{zips: filepath.Join(dir, "data", "zips"), dicom: filepath.Join(dir, "data", "dcm")}
	if err := os.MkdirAll(s.zips, 0755); err != nil {
		t.Fatal(err)
	}
	return s
}

func (s study) exam(t *testing.T, name string, fields map[string]string) string {
	t.Helper()
	path := filepath.Join(s.zips, name)
	dcmtest.Exam(t, path, fields)
	return path
}

func readLink(t *testing.T, path string) string {
	t.Helper()
	target, err := os.Readlink(path)
	if err != nil {
		t.Fatalf("readlink %s: %v", path, err)
	}
	return target
}

func TestRun(t *testing.T) {
	s := newStudy(t)
	s.exam(t, "2014_0126_FB001.zip", map[string]string{"PatientName": "whatever", "StudyID": "512"})
	s.exam(t, "from_header.zip", map[string]string{"PatientName": "ASDD_CMH_FB002_01_01_MR"})
	s.exam(t, "bad_name.zip", map[string]string{"PatientName": "Doe^John"})
	s.exam(t, "skip.zip", map[string]string{"PatientName": "ASDD_CMH_FB003_01_01_MR"})
	s.exam(t, "mismatch.zip", map[string]string{"PatientName": "x", "StudyID": "999"})
	s.exam(t, "empty_target.zip", map[string]string{"PatientName": "ASDD_CMH_FB004_01_01_MR"})

	lookup := Lookup{
		"2014_0126_FB001": {SourceName: "2014_0126_FB001", TargetName: "ASDD_CMH_FB001_01_01", Expect: map[string]string{"StudyID": "512"}},
		"skip":            {SourceName: "skip", TargetName: "<ignore>"},
		"mismatch":        {SourceName: "mismatch", TargetName: "ASDD_CMH_FB009_01_01", Expect: map[string]string{"StudyID": "512"}},
		"empty_target":    {SourceName: "empty_target", TargetName: ""},
	}

	res, err := Run(Options{ZipsDir: s.zips, DicomDir: s.dicom, Lookup: lookup})
	if err != nil {
		t.Fatal(err)
	}
	want := &Result{Found: 6, Linked: 3, Ignored: 1, Failed: 2}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}

	if got := readLink(t, filepath.Join(s.dicom, "ASDD_CMH_FB001_01_01.zip")); got != filepath.Join("..", "zips", "2014_0126_FB001.zip") {
		t.Errorf("link target = %q", got)
	}
	readLink(t, filepath.Join(s.dicom, "ASDD_CMH_FB002_01_01_MR.zip"))
	readLink(t, filepath.Join(s.dicom, "ASDD_CMH_FB004_01_01_MR.zip"))
	for _, name := range []string{"ASDD_CMH_FB003_01_01_MR.zip", "ASDD_CMH_FB009_01_01.zip"} {
		if _, err := os.Lstat(filepath.Join(s.dicom, name)); err == nil {
			t.Errorf("%s should not be linked", name)
		}
	}

	// nothing new on a second run
	res, err = Run(Options{ZipsDir: s.zips, DicomDir: s.dicom, Lookup: lookup})
	if err != nil {
		t.Fatal(err)
	}
	if res.AlreadyLinked != 3 || res.Linked != 0 {
		t.Errorf("second Result = %+v", res)
	}
}

func TestRunTargetExists(t *testing.T) {
	s := newStudy(t)
	s.exam(t, "one.zip", map[string]string{"PatientName": "ASDD_CMH_FB001_01_01_MR"})
	s.exam(t, "two.zip", map[string]string{"PatientName": "ASDD_CMH_FB001_01_01_MR"})
	res, err := Run(Options{ZipsDir: s.zips, DicomDir: s.dicom})
	if err != nil {
		t.Fatal(err)
	}
	if res.Linked != 1 || res.Failed != 1 {
		t.Errorf("Result = %+v", res)
	}
	if got := readLink(t, filepath.Join(s.dicom, "ASDD_CMH_FB001_01_01_MR.zip")); !strings.HasSuffix(got, "one.zip") {
		t.Errorf("first archive should keep the name, link = %q", got)
	}
}

func TestRunDryRunAndSelection(t *testing.T) {
	s := newStudy(t)
	s.exam(t, "one.zip", map[string]string{"PatientName": "ASDD_CMH_FB001_01_01_MR"})
	s.exam(t, "two.zip", map[string]string{"PatientName": "ASDD_CMH_FB002_01_01_MR"})

	res, err := Run(Options{ZipsDir: s.zips, DicomDir: s.dicom, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Linked != 2 {
		t.Errorf("dry run Result = %+v", res)
	}
	entries, _ := os.ReadDir(s.dicom)
	if len(entries) != 0 {
		t.Errorf("dry run created %v", entries)
	}

	res, err = Run(Options{ZipsDir: s.zips, DicomDir: s.dicom, Archives: []string{"two.zip", "missing.zip"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Found != 2 || res.Linked != 1 || res.Failed != 1 {
		t.Errorf("selected Result = %+v", res)
	}
	readLink(t, filepath.Join(s.dicom, "ASDD_CMH_FB002_01_01_MR.zip"))
}

func TestRunScanIDField(t *testing.T) {
	s := newStudy(t)
	s.exam(t, "one.zip", map[string]string{"PatientName": "nope", "PatientID": "ASDD_CMH_FB001_01_01_MR"})
	res, err := Run(Options{ZipsDir: s.zips, DicomDir: s.dicom, ScanIDField: "PatientID"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Linked != 1 {
		t.Errorf("Result = %+v", res)
	}
}

func TestRunLookupNeedsDicom(t *testing.T) {
	s := newStudy(t)
	dcmtest.WriteZip(t, filepath.Join(s.zips, "no_dicom.zip"), dcmtest.Entry{Name: "README", Raw: []byte("hello")})
	lookup := Lookup{"no_dicom": {SourceName: "no_dicom", TargetName: "ASDD_CMH_FB001_01_01"}}
	res, err := Run(Options{ZipsDir: s.zips, DicomDir: s.dicom, Lookup: lookup})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Linked != 0 {
		t.Errorf("Result = %+v", res)
	}
	if _, err := os.Lstat(filepath.Join(s.dicom, "ASDD_CMH_FB001_01_01.zip")); err == nil {
		t.Error("archive without DICOM was linked")
	}
}

func TestRunMissingZips(t *testing.T) {
	dir := t.TempDir()
	if _, err := Run(Options{ZipsDir: filepath.Join(dir, "zips"), DicomDir: filepath.Join(dir, "dcm")}); err == nil {
		t.Error("Run() with missing zips dir want error")
	}
}
