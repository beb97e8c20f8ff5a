// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scanid parses and builds scan identifiers of the form
// STUDY_SITE_SUBJECT_TIMEPOINT_SESSION_MODALITY and the file names
// derived from them.
package scanid

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrParse is returned when a string is not a valid scan identifier.
var ErrParse = errors.New("not a valid scan id")

const (
	scanIDRe = `(?P<study>[^_]+)_` +
		`(?P<site>[^_]+)_` +
		`(?P<subject>[^_]+)_` +
		`(?P<timepoint>[^_]+)_` +
		`(?P<session>[^_]+)_` +
		`(?P<modality>[^_]+)`

	// phantoms have no timepoint and no session
	scanIDPhaRe = `(?P<study>[^_]+)_` +
		`(?P<site>[^_]+)_` +
		`(?P<subject>PHA_[^_]+)` +
		`(?P<timepoint>)(?P<session>)(?P<modality>)`

	fileSuffixRe = `_(?P<tag>[^_]+)_` +
		`(?P<series>\d+)_` +
		`(?P<description>[^\.]*)` +
		`(?P<ext>\..*)?`

	// placeholder for a part that was not supplied
	missingSession = "XX"
)

var (
	scanIDPattern      = regexp.MustCompile("^" + scanIDRe + "$")
	scanIDPhaPattern   = regexp.MustCompile("^" + scanIDPhaRe + "$")
	filenamePattern    = regexp.MustCompile("^" + scanIDRe + fileSuffixRe + "$")
	filenamePhaPattern = regexp.MustCompile("^" + scanIDPhaRe + fileSuffixRe + "$")
)

// Identifier is a parsed scan identifier.
type Identifier struct {
	Study     string
	Site      string
	Subject   string
	Timepoint string
	session   string
	Modality  string
}

// New builds an Identifier from its parts.
func New(study, site, subject, timepoint, session, modality string) Identifier {
	return Identifier{
		Study:     study,
		Site:      site,
		Subject:   subject,
		Timepoint: timepoint,
		session:   session,
		Modality:  strings.TrimSpace(modality),
	}
}

// Session returns the session part, or "" if the identifier had none.
func (id Identifier) Session() string {
	if id.session == missingSession {
		return ""
	}
	return id.session
}

// FullSubjectID returns STUDY_SITE_SUBJECT.
func (id Identifier) FullSubjectID() string {
	return strings.Join([]string{id.Study, id.Site, id.Subject}, "_")
}

// BIDSName returns the BIDS subject label, sub-SITESUBJECT.
func (id Identifier) BIDSName() string {
	return "sub-" + id.Site + id.Subject
}

func (id Identifier) FullSubjectIDWithTimepoint() string {
	ident := id.FullSubjectID()
	if id.Timepoint != "" {
		ident += "_" + id.Timepoint
	}
	return ident
}

func (id Identifier) FullSubjectIDWithTimepointSession() string {
	ident := id.FullSubjectIDWithTimepoint()
	if s := id.Session(); s != "" {
		ident += "_" + s
	}
	return ident
}

func (id Identifier) FullSubjectIDWithTimepointSessionModality() string {
	ident := id.FullSubjectIDWithTimepointSession()
	if id.Modality != "" {
		ident += "_" + id.Modality
	}
	return ident
}

// IsPhantom reports whether the subject is a phantom (PHA prefix).
func (id Identifier) IsPhantom() bool {
	return strings.HasPrefix(id.Subject, "PHA")
}

func (id Identifier) String() string {
	if id.Timepoint == "" {
		return id.FullSubjectID()
	}
	if id.Modality == "" {
		return id.FullSubjectIDWithTimepointSession()
	}
	return strings.Join([]string{id.Study, id.Site, id.Subject, id.Timepoint, id.Session(), id.Modality}, "_")
}

func fromMatch(re *regexp.Regexp, m []string) Identifier {
	group := func(name string) string {
		return m[re.SubexpIndex(name)]
	}
	return New(group("study"), group("site"), group("subject"), group("timepoint"), group("session"), group("modality"))
}

// Parse parses a scan identifier. Phantom identifiers and identifiers
// without a session part are accepted.
func Parse(identifier string) (Identifier, error) {
	if m := scanIDPattern.FindStringSubmatch(identifier); m != nil {
		return fromMatch(scanIDPattern, m), nil
	}
	if m := scanIDPhaPattern.FindStringSubmatch(identifier); m != nil {
		return fromMatch(scanIDPhaPattern, m), nil
	}
	if m := scanIDPattern.FindStringSubmatch(identifier + "_" + missingSession); m != nil {
		// five part ids such as ASDD_CMH_FB001_01_01 carry no modality
		id := fromMatch(scanIDPattern, m)
		id.Modality = ""
		return id, nil
	}
	return Identifier{}, ErrParse
}

// ParseFilename splits a scan file name into its identifier, tag,
// series number and description.
func ParseFilename(path string) (ident Identifier, tag, series, description string, err error) {
	fname := filepath.Base(path)
	re := filenamePhaPattern
	m := re.FindStringSubmatch(fname)
	if m == nil {
		re = filenamePattern
		m = re.FindStringSubmatch(fname)
	}
	if m == nil {
		return Identifier{}, "", "", "", ErrParse
	}
	ident = fromMatch(re, m)
	return ident, m[re.SubexpIndex("tag")], m[re.SubexpIndex("series")], m[re.SubexpIndex("description")], nil
}

// MakeFilename is the inverse of ParseFilename.
func MakeFilename(ident Identifier, tag, series, description, ext string) string {
	return strings.Join([]string{ident.String(), tag, series, description}, "_") + ext
}

func IsScanID(identifier string) bool {
	_, err := Parse(identifier)
	return err == nil
}

func IsScanIDWithSession(identifier string) bool {
	id, err := Parse(identifier)
	return err == nil && id.Session() != ""
}

func IsPhantom(identifier string) bool {
	id, err := Parse(identifier)
	return err == nil && id.IsPhantom()
}
