// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/archive"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/config"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/fetch"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/headercheck"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/link"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/logging"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/manifest"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/mcpserver"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/qap"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/scanlist"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/status"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/subjectid"
)

const manifestFile = "manifest.csv"

// studyFlags are shared by all commands working on a configured study.
type studyFlags struct {
	verbosity  logging.Verbosity
	configFile string
}

func newFlagSet(c *cli, name, args string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.Usage = func() {
		fmt.Fprintf(c.stderr, "Usage: %s %s [options] %s\n\nOptions:\n", ownName, name, args)
		fs.PrintDefaults()
	}
	return fs
}

func addStudyFlags(fs *pflag.FlagSet) *studyFlags {
	f := &studyFlags{}
	fs.BoolVarP(&f.verbosity.Verbose, "verbose", "v", false, "Verbose logging.")
	fs.BoolVarP(&f.verbosity.Debug, "debug", "d", false, "Debug logging.")
	fs.BoolVarP(&f.verbosity.Quiet, "quiet", "q", false, "Only log errors.")
	fs.StringVar(&f.configFile, "config", "", "Site configuration file, overrides DM_CONFIG.")
	return f
}

// parseStudy parses the command line, expecting the study name as the first
// argument, and loads the site configuration.
func parseStudy(fs *pflag.FlagSet, f *studyFlags, args []string, minArgs, maxArgs int) (string, *config.Config, error) {
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if fs.NArg() < minArgs || fs.NArg() > maxArgs {
		fs.Usage()
		return "", nil, errUsage
	}
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return "", nil, err
	}
	return fs.Arg(0), cfg, nil
}

func banner(c *cli, title string) {
	fmt.Fprintln(c.stdout, "###########################")
	fmt.Fprintf(c.stdout, "##%s##\n", center(title, 23))
	fmt.Fprintln(c.stdout, "###########################")
}

func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	left := (width - len(s)) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-len(s)-left)
}

func manifestCommand(c *cli, args []string) error {
	fs := newFlagSet(c, "manifest", "<study>")
	f := addStudyFlags(fs)
	dryRun := fs.Bool("dry-run", false, "Compute the manifest but do not write it.")
	study, cfg, err := parseStudy(fs, f, args, 1, 1)
	if err != nil {
		return err
	}
	logger := logging.New(c.stdout, "manifest", study, f.verbosity)

	banner(c, "WRITING MANIFEST")
	meta, err := cfg.Path(study, config.Meta)
	if err != nil {
		return err
	}
	zips, err := cfg.Path(study, config.Zips)
	if err != nil {
		return err
	}
	res, err := manifest.Build(manifest.Options{
		Study:        study,
		Site:         cfg.Site(study),
		Modality:     cfg.ModalitySuffix(study),
		ManifestPath: filepath.Join(meta, manifestFile),
		ZipsDir:      zips,
		DryRun:       *dryRun,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	c.langFmt.Fprintf(c.stdout, "Found %d archives: %d new, %d known, %d without DICOM.\n", res.Found, res.Added, res.Known, res.Skipped)
	return nil
}

func linkCommand(c *cli, args []string) error {
	fs := newFlagSet(c, "link", "<study> [<zipfile>...]")
	f := addStudyFlags(fs)
	lookupFile := fs.String("lookup", "", "Path to scan id lookup table, overrides metadata/manifest.csv.")
	scanIDField := fs.String("scanid-field", link.DefaultScanIDField, "DICOM field to match target_name with.")
	dryRun := fs.Bool("dry-run", false, "Show what would be linked without creating links.")
	study, cfg, err := parseStudy(fs, f, args, 1, 1<<20)
	if err != nil {
		return err
	}
	logger := logging.New(c.stdout, "link", study, f.verbosity)

	banner(c, "CREATING SYMLINKS")
	zips, err := cfg.Path(study, config.Zips)
	if err != nil {
		return err
	}
	dcm, err := cfg.Path(study, config.Dicom)
	if err != nil {
		return err
	}
	if *lookupFile == "" {
		meta, err := cfg.Path(study, config.Meta)
		if err != nil {
			return err
		}
		*lookupFile = filepath.Join(meta, manifestFile)
	}
	lookup, err := link.LoadLookup(*lookupFile)
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "read lookup table", "path", *lookupFile, "entries", len(lookup))

	res, err := link.Run(link.Options{
		ZipsDir:     zips,
		DicomDir:    dcm,
		Lookup:      lookup,
		ScanIDField: *scanIDField,
		Archives:    fs.Args()[1:],
		DryRun:      *dryRun,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	c.langFmt.Fprintf(c.stdout, "Found %d archives: %d linked, %d already linked, %d ignored, %d failed.\n",
		res.Found, res.Linked, res.AlreadyLinked, res.Ignored, res.Failed)
	return nil
}

func checkHeadersCommand(c *cli, args []string) error {
	fs := newFlagSet(c, "check-headers", "<standards> <exam>...")
	quiet := fs.Bool("quiet", false, "Don't print warnings.")
	rulesFile := fs.String("rules", "", "JSON file with ignored headers and decimal tolerances.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return errUsage
	}
	rules := headercheck.DefaultRules()
	if *rulesFile != "" {
		var err error
		if rules, err = headercheck.LoadRules(*rulesFile); err != nil {
			return err
		}
	}
	logger := logging.New(c.stderr, "check-headers", "", logging.Verbosity{Quiet: *quiet})
	standards, err := headercheck.LoadStandards(fs.Arg(0))
	if err != nil {
		return err
	}
	checker := &headercheck.Checker{Standards: standards, Rules: rules, Quiet: *quiet, Out: c.stdout, Logger: logger}
	for _, exam := range fs.Args()[1:] {
		if _, err := checker.CheckExam(exam); err != nil {
			return err
		}
	}
	return nil
}

func qapCommand(c *cli, args []string) error {
	fs := newFlagSet(c, "qap-subjectlist", "<datadir> (<output.yaml> | --persubject <outputdir>)")
	perSubject := fs.String("persubject", "", "Write one <subject>.yaml per subject into this folder.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	// also accept the positional form <datadir> persubject <outputdir>
	if len(rest) == 3 && rest[1] == "persubject" && *perSubject == "" {
		*perSubject, rest = rest[2], rest[:1]
	}
	if (*perSubject == "" && len(rest) != 2) || (*perSubject != "" && len(rest) != 1) {
		fs.Usage()
		return errUsage
	}
	list, err := qap.Build(rest[0])
	if err != nil {
		return err
	}
	if *perSubject != "" {
		written, err := list.WritePerSubject(*perSubject)
		if err != nil {
			return err
		}
		c.langFmt.Fprintf(c.stdout, "Wrote %d subject lists to %s.\n", len(written), *perSubject)
		return nil
	}
	return list.WriteFile(rest[1])
}

func scanListCommand(c *cli, args []string) error {
	fs := newFlagSet(c, "scan-list", "<study>")
	f := addStudyFlags(fs)
	rulesFile := fs.String("rules", "", "JSON file with per study subject id rules.")
	study, cfg, err := parseStudy(fs, f, args, 1, 1)
	if err != nil {
		return err
	}
	logger := logging.New(c.stdout, "scan-list", study, f.verbosity)

	rules := subjectid.Default()
	if *rulesFile != "" {
		if rules, err = subjectid.Load(*rulesFile); err != nil {
			return err
		}
	}
	zipsDir, err := cfg.Path(study, config.Zips)
	if err != nil {
		return err
	}
	meta, err := cfg.Path(study, config.Meta)
	if err != nil {
		return err
	}
	zips, err := archive.List(zipsDir)
	if err != nil {
		return err
	}
	entries, err := scanlist.Generate(zips, meta, scanlist.FromPatientName(rules, study), logger)
	if err != nil {
		return err
	}
	c.langFmt.Fprintf(c.stdout, "Added %d entries to %s.\n", len(entries), filepath.Join(meta, scanlist.FileName))
	return nil
}

func statusCommand(c *cli, args []string) error {
	fs := newFlagSet(c, "status", "<study>")
	f := addStudyFlags(fs)
	tui := fs.Bool("tui", false, "Browse the manifest in a text user interface.")
	study, cfg, err := parseStudy(fs, f, args, 1, 1)
	if err != nil {
		return err
	}
	meta, err := cfg.Path(study, config.Meta)
	if err != nil {
		return err
	}
	t, err := readManifest(filepath.Join(meta, manifestFile))
	if err != nil {
		return err
	}
	if *tui {
		return status.NewTUI(t).Run()
	}
	status.Render(c.stdout, t)
	return nil
}

// readManifest reads a manifest without creating it.
func readManifest(path string) (*manifest.Table, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	t, err := manifest.Read(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func mcpCommand(c *cli, args []string) error {
	fs := newFlagSet(c, "mcp", "<study>")
	f := addStudyFlags(fs)
	addr := fs.String("http", "", "Serve streamable HTTP on this address instead of stdin/stdout, for example localhost:8080.")
	study, cfg, err := parseStudy(fs, f, args, 1, 1)
	if err != nil {
		return err
	}
	// stdout carries the protocol
	logger := logging.New(c.stderr, "mcp", study, f.verbosity)
	meta, err := cfg.Path(study, config.Meta)
	if err != nil {
		return err
	}
	manifestPath := filepath.Join(meta, manifestFile)
	if _, err := os.Stat(manifestPath); errors.Is(err, os.ErrNotExist) {
		level.Warn(logger).Log("msg", "manifest does not exist yet", "path", manifestPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	server := mcpserver.New(mcpserver.Options{
		Study:        study,
		ManifestPath: manifestPath,
		Version:      version,
		Logger:       logger,
	})
	return mcpserver.Serve(ctx, server, *addr, logger)
}

func sftpCommand(c *cli, args []string) error {
	fs := newFlagSet(c, "sftp", "<study>")
	f := addStudyFlags(fs)
	dryRun := fs.Bool("dry-run", false, "Show what would be downloaded without copying.")
	knownHosts := fs.String("known-hosts", fetch.DefaultKnownHosts(), "File with the accepted server host keys.")
	study, cfg, err := parseStudy(fs, f, args, 1, 1)
	if err != nil {
		return err
	}
	logger := logging.New(c.stdout, "sftp", study, f.verbosity)

	server, err := cfg.SFTPServer(study)
	if err != nil {
		return err
	}
	meta, err := cfg.Path(study, config.Meta)
	if err != nil {
		return err
	}
	zips, err := cfg.Path(study, config.Zips)
	if err != nil {
		return err
	}
	t, err := readManifest(filepath.Join(meta, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		level.Warn(logger).Log("msg", "manifest file not found, starting initial run", "path", filepath.Join(meta, manifestFile))
		t, err = manifest.NewTable(), nil
	}
	if err != nil {
		return err
	}
	passwords, err := fetch.ReadPasswords(server.PasswordFile)
	if err != nil {
		return err
	}
	if len(passwords) != len(server.Users) {
		return fmt.Errorf("%s has %d passwords for %d users", server.PasswordFile, len(passwords), len(server.Users))
	}

	total := &fetch.Result{}
	for i, user := range server.Users {
		conn, err := fetch.Dial(server.Server, server.Port, user, passwords[i], *knownHosts)
		if err != nil {
			return err
		}
		res, err := fetch.Run(conn.Client, fetch.Options{
			Folders:  server.Folders,
			ZipsDir:  zips,
			Manifest: t,
			DryRun:   *dryRun,
			Logger:   log.With(logger, "user", user),
		})
		conn.Close()
		if errors.Is(err, fetch.ErrNoFolders) {
			level.Error(logger).Log("msg", "source folders not found", "user", user, "folders", strings.Join(server.Folders, ","))
			continue
		}
		if err != nil {
			return err
		}
		total.Add(res)
	}
	c.langFmt.Fprintf(c.stdout, "Downloaded %d archives, %d up to date, %d skipped, %d failed.\n",
		total.Downloaded, total.Current, total.Skipped, total.Failed)
	return nil
}

func versionCommand(c *cli, args []string) error {
	fmt.Fprintf(c.stdout, "%s version %s%s\n", ownName, version, compileDate)
	return nil
}
