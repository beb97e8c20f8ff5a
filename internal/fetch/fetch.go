// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fetch copies new exam archives from a study sftp server into the
// local zips folder.
//
// Remote folders are given as names or path.Match patterns. Every .zip file
// in a matching folder is downloaded unless its source name is already in
// the study manifest, or a local copy exists that is at least as new as the
// remote file.
package fetch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/sftp"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/archive"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/manifest"
)

// Options controls a fetch from one connection.
type Options struct {
	// Folders are remote folder names or path.Match patterns.
	Folders  []string
	ZipsDir  string
	Manifest *manifest.Table
	DryRun   bool
	Logger   log.Logger
}

// Result counts the remote files seen by a fetch.
type Result struct {
	Downloaded int
	// Current counts archives with an up to date local copy.
	Current int
	// Skipped counts non archives and archives listed in the manifest.
	Skipped int
	Failed  int
}

// Add sums the counts of o into r.
func (r *Result) Add(o *Result) {
	r.Downloaded += o.Downloaded
	r.Current += o.Current
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// ErrNoFolders is returned when none of the configured remote folders exist.
var ErrNoFolders = errors.New("source folders not found")

// ReadPasswords reads one password per non empty line.
func ReadPasswords(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("password file %s not found: %w", path, err)
	}
	defer f.Close()
	var passwords []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if p := strings.TrimSpace(sc.Text()); p != "" {
			passwords = append(passwords, p)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read password file %s: %w", path, err)
	}
	return passwords, nil
}

// RemoteDirs returns the remote folders matching folders. A folder that
// exists is taken as is, otherwise it is matched as a pattern against the
// entries of its parent folder.
func RemoteDirs(client *sftp.Client, folders []string) ([]string, error) {
	var dirs []string
	seen := make(map[string]bool)
	add := func(d string) {
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	for _, folder := range folders {
		if info, err := client.Stat(folder); err == nil && info.IsDir() {
			add(folder)
			continue
		}
		if _, err := path.Match(folder, ""); err != nil {
			return nil, fmt.Errorf("bad folder pattern %q: %w", folder, err)
		}
		parent := path.Dir(folder)
		entries, err := client.ReadDir(parent)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			p := path.Join(parent, e.Name())
			if ok, _ := path.Match(folder, p); ok {
				add(p)
			}
		}
	}
	return dirs, nil
}

// Run downloads new archives from all configured folders. A missing zips
// folder is created. Problems with single files are logged and counted.
func Run(client *sftp.Client, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Manifest == nil {
		opts.Manifest = manifest.NewTable()
	}
	if _, err := os.Stat(opts.ZipsDir); errors.Is(err, os.ErrNotExist) {
		level.Warn(logger).Log("msg", "zips directory not found, creating", "path", opts.ZipsDir)
		if !opts.DryRun {
			if err := os.MkdirAll(opts.ZipsDir, 0755); err != nil {
				return nil, fmt.Errorf("create zips path %s: %w", opts.ZipsDir, err)
			}
		}
	}

	dirs, err := RemoteDirs(client, opts.Folders)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoFolders, opts.Folders)
	}
	res := &Result{}
	for _, dir := range dirs {
		level.Debug(logger).Log("msg", "copying", "from", dir, "to", opts.ZipsDir)
		res.Add(fetchDir(client, dir, opts, logger))
	}
	return res, nil
}

func fetchDir(client *sftp.Client, dir string, opts Options, logger log.Logger) *Result {
	res := &Result{}
	entries, err := client.ReadDir(dir)
	if err != nil {
		// no permission to enter the folder
		level.Debug(logger).Log("msg", "cant access remote folder, skipping", "folder", dir, "err", err)
		return res
	}
	for _, e := range entries {
		name := e.Name()
		if !e.Mode().IsRegular() || filepath.Ext(name) != archive.Ext || opts.Manifest.Contains(archive.SourceName(name)) {
			level.Warn(logger).Log("msg", "skipping", "file", path.Join(dir, name))
			res.Skipped++
			continue
		}
		target := filepath.Join(opts.ZipsDir, name)
		if !downloadNeeded(target, e) {
			level.Debug(logger).Log("msg", "file already exists, skipping", "file", name)
			res.Current++
			continue
		}
		level.Info(logger).Log("msg", "copying new remote file", "file", path.Join(dir, name), "target", target)
		if opts.DryRun {
			res.Downloaded++
			continue
		}
		if err := download(client, path.Join(dir, name), target, e); err != nil {
			level.Error(logger).Log("msg", "download failed", "file", path.Join(dir, name), "err", err)
			res.Failed++
			continue
		}
		res.Downloaded++
	}
	return res
}

// downloadNeeded reports whether there is no local copy or it is older
// than the remote file.
func downloadNeeded(target string, remote os.FileInfo) bool {
	local, err := os.Stat(target)
	if err != nil {
		return true
	}
	return local.ModTime().Before(remote.ModTime())
}

// download copies a remote file next to target and renames it into place,
// keeping the remote modification time.
func download(client *sftp.Client, remotePath, target string, remote os.FileInfo) error {
	src, err := client.Open(remotePath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".fetch-*"+archive.Ext)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chtimes(tmpName, remote.ModTime(), remote.ModTime()); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
