package fetch

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/sftp"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/manifest"
)

// newClient serves the local file system over in-process pipes.
func newClient(t *testing.T) *sftp.Client {
	t.Helper()
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	server, err := sftp.NewServer(struct {
		io.Reader
		io.WriteCloser
	}{sr, sw})
	if err != nil {
		t.Fatal(err)
	}
	go server.Serve()
	client, err := sftp.NewClientPipe(cr, cw)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return client
}

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func knownManifest(t *testing.T, names ...string) *manifest.Table {
	t.Helper()
	tbl := manifest.NewTable()
	for _, n := range names {
		if err := tbl.Append(manifest.NewRow(n, "", "P", 20200101, 900)); err != nil {
			t.Fatal(err)
		}
	}
	return tbl
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	remote := filepath.Join(dir, "remote")
	zips := filepath.Join(dir, "zips")
	now := time.Now().Truncate(time.Second)
	hourAgo := now.Add(-time.Hour)

	writeFile(t, filepath.Join(remote, "site1", "new.zip"), "new", hourAgo)
	writeFile(t, filepath.Join(remote, "site1", "known.zip"), "known", hourAgo)
	writeFile(t, filepath.Join(remote, "site1", "notes.txt"), "notes", hourAgo)
	writeFile(t, filepath.Join(remote, "site2", "current.zip"), "remote current", hourAgo)
	writeFile(t, filepath.Join(remote, "site2", "updated.zip"), "remote updated", hourAgo)
	writeFile(t, filepath.Join(remote, "other", "elsewhere.zip"), "elsewhere", hourAgo)
	writeFile(t, filepath.Join(zips, "current.zip"), "local current", now)
	writeFile(t, filepath.Join(zips, "updated.zip"), "local updated", now.Add(-2*time.Hour))

	var logs bytes.Buffer
	res, err := Run(newClient(t), Options{
		Folders:  []string{filepath.ToSlash(filepath.Join(remote, "site*"))},
		ZipsDir:  zips,
		Manifest: knownManifest(t, "known"),
		Logger:   log.NewLogfmtLogger(&logs),
	})
	if err != nil {
		t.Fatal(err)
	}
	want := &Result{Downloaded: 2, Current: 1, Skipped: 2}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}

	if got := readFile(t, filepath.Join(zips, "new.zip")); got != "new" {
		t.Errorf("new.zip = %q", got)
	}
	if got := readFile(t, filepath.Join(zips, "updated.zip")); got != "remote updated" {
		t.Errorf("updated.zip = %q", got)
	}
	if got := readFile(t, filepath.Join(zips, "current.zip")); got != "local current" {
		t.Errorf("current.zip = %q", got)
	}
	for _, name := range []string{"known.zip", "notes.txt", "elsewhere.zip"} {
		if _, err := os.Stat(filepath.Join(zips, name)); err == nil {
			t.Errorf("%s should not be downloaded", name)
		}
	}
	info, err := os.Stat(filepath.Join(zips, "new.zip"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(hourAgo) {
		t.Errorf("new.zip mtime = %v, want remote %v", info.ModTime(), hourAgo)
	}
	if !strings.Contains(logs.String(), "known.zip") {
		t.Errorf("no log line for the known archive: %q", logs.String())
	}

	// everything is current on a second run
	res, err = Run(newClient(t), Options{
		Folders:  []string{filepath.ToSlash(filepath.Join(remote, "site*"))},
		ZipsDir:  zips,
		Manifest: knownManifest(t, "known"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloaded != 0 || res.Current != 3 {
		t.Errorf("second Result = %+v", res)
	}
}

func TestRunCreatesZipsAndDryRun(t *testing.T) {
	dir := t.TempDir()
	remote := filepath.Join(dir, "incoming")
	zips := filepath.Join(dir, "data", "zips")
	writeFile(t, filepath.Join(remote, "a.zip"), "a", time.Now())

	res, err := Run(newClient(t), Options{Folders: []string{remote}, ZipsDir: zips, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloaded != 1 {
		t.Errorf("dry run Result = %+v", res)
	}
	if _, err := os.Stat(zips); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("dry run created %s: %v", zips, err)
	}

	res, err = Run(newClient(t), Options{Folders: []string{remote}, ZipsDir: zips})
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloaded != 1 {
		t.Errorf("Result = %+v", res)
	}
	if got := readFile(t, filepath.Join(zips, "a.zip")); got != "a" {
		t.Errorf("a.zip = %q", got)
	}
}

func TestRunNoFolders(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(newClient(t), Options{Folders: []string{filepath.ToSlash(filepath.Join(dir, "nope*"))}, ZipsDir: dir})
	if !errors.Is(err, ErrNoFolders) {
		t.Errorf("Run() error = %v, want ErrNoFolders", err)
	}
}

func TestReadPasswords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mrftppass.txt")
	if err := os.WriteFile(path, []byte("secret\n\n  other \n"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := ReadPasswords(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"secret", "other"}, got); diff != "" {
		t.Errorf("ReadPasswords() mismatch (-want +got):\n%s", diff)
	}
	if _, err := ReadPasswords(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("ReadPasswords(missing) want error")
	}
}
