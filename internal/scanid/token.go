// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package scanid

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Ignore marks a manifest row that must not receive a generated id.
	Ignore = "<ignore>"
	// Undefined replaces a participant token that could not be derived.
	Undefined = "undefined"
)

// ErrTooFewFields is returned by ParticipantToken when the patient name
// does not split into enough fields.
var ErrTooFewFields = errors.New("too few fields in patient name")

// ParticipantToken derives SUBJECT_VISIT_SE<SESSION> from a patient name
// such as STUDY_SITE_SUBJECT_VISIT_SESSION. Dashes count as separators.
// On short input it returns Undefined together with ErrTooFewFields.
func ParticipantToken(patientName string) (string, error) {
	fields := strings.Split(strings.ReplaceAll(patientName, "-", "_"), "_")
	if len(fields) < 5 {
		return Undefined, fmt.Errorf("%w: %q has %d", ErrTooFewFields, patientName, len(fields))
	}
	return fields[2] + "_" + fields[3] + "_SE" + fields[4], nil
}

// SessionID builds the canonical session identifier
// STUDY_SITE_<participant token>_MODALITY.
func SessionID(study, site, token, modality string) string {
	return study + "_" + site + "_" + token + "_" + modality
}
