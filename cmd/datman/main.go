// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/pflag"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const version string = "0.1.0"

// The string below will be replaced during build time using
// -ldflags "-X main.compileDate=`date -u +.%Y%m%d.%H%M%S"`"
var compileDate string = ".unknown"

var ownName string = "datman"

// errUsage is returned after the usage was printed for a bad command line.
var errUsage = errors.New("bad command line")

func exitGracefully(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func check(e error) {
	if e != nil {
		exitGracefully(e)
	}
}

// cli is what a sub command needs from the process.
type cli struct {
	stdout  io.Writer
	stderr  io.Writer
	langFmt *message.Printer
}

type command struct {
	summary string
	run     func(c *cli, args []string) error
}

var commands = map[string]command{
	"manifest":        {"Write or refresh the manifest of a study.", manifestCommand},
	"link":            {"Link exam archives into the dicom folder by scan id.", linkCommand},
	"check-headers":   {"Diff exam DICOM headers against gold standard headers.", checkHeadersCommand},
	"qap-subjectlist": {"Create a QAP subject list from a NIfTI export folder.", qapCommand},
	"scan-list":       {"Add new archives to the scans.csv of a study.", scanListCommand},
	"sftp":            {"Download new exam archives from the study sftp server.", sftpCommand},
	"status":          {"Show the manifest of a study.", statusCommand},
	"mcp":             {"Serve the manifest of a study over the Model Context Protocol.", mcpCommand},
	"version":         {"Print the version.", versionCommand},
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "%s - study data management\n", ownName)
	fmt.Fprintf(w, "Version: %s%s\n", version, compileDate)
	fmt.Fprintln(w, " Tools to track exam archives of a study, give them scan ids and check")
	fmt.Fprintf(w, " their DICOM headers.\n\n")
	fmt.Fprintf(w, "Usage: %s <command> [options] <study>\n\n", ownName)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "\nRun '%s <command> --help' for the options of a command.\n", ownName)
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		usage(stderr)
		return errUsage
	}
	c := &cli{stdout: stdout, stderr: stderr, langFmt: message.NewPrinter(language.English)}
	switch args[0] {
	case "-h", "--help", "help":
		usage(stdout)
		return nil
	case "--version":
		return versionCommand(c, nil)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
	err := cmd.run(c, args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func main() {
	err := run(os.Args[1:], os.Stdout, os.Stderr)
	if errors.Is(err, errUsage) {
		os.Exit(-1)
	}
	check(err)
}
