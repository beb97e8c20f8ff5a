// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging builds the leveled logfmt logger shared by all tools.
package logging

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Verbosity selects the lowest level that is written.
type Verbosity struct {
	Verbose bool
	Debug   bool
	Quiet   bool
}

// Option returns the level filter for v. Debug wins over verbose, verbose
// over quiet; without flags warnings and errors are written.
func (v Verbosity) Option() level.Option {
	switch {
	case v.Debug:
		return level.AllowDebug()
	case v.Verbose:
		return level.AllowInfo()
	case v.Quiet:
		return level.AllowError()
	}
	return level.AllowWarn()
}

// New returns a logger writing logfmt lines to w. Every line carries a UTC
// timestamp, the tool name and the study.
func New(w io.Writer, tool, study string, v Verbosity) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, v.Option())
	return log.With(logger, "ts", log.DefaultTimestampUTC, "tool", tool, "study", study)
}
