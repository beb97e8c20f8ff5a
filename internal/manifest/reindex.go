// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manifest

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mkmik/argsort"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/scanid"
)

// Sort orders the rows by PatientName, StudyDate and StudyTime. Ties keep
// a stable order by source name so repeated runs write identical files.
func (t *Table) Sort() {
	rows := t.Rows
	idx := argsort.SortSlice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.PatientName != b.PatientName {
			return a.PatientName < b.PatientName
		}
		if a.StudyDate != b.StudyDate {
			return a.StudyDate < b.StudyDate
		}
		if a.StudyTime != b.StudyTime {
			return a.StudyTime < b.StudyTime
		}
		return a.SourceName < b.SourceName
	})
	sorted := make([]Row, len(rows))
	for i, k := range idx {
		sorted[i] = rows[k]
	}
	t.Rows = sorted
}

// Reindex derives visit and session numbers in one pass over rows that are
// already in Sort order. Each row is compared to its predecessor only:
//
//   - same patient, later date: visit is the previous visit plus one
//   - same patient, same date: visit is copied
//   - same patient and date, later time: session is the previous session plus one
//   - same patient and date, same time: session is copied
//
// Any other row keeps the numbers it has. In particular the first row of a
// patient is not reset to 1; rows start at 1 when appended (see NewRow).
// An empty patient name matches nothing, not even another empty name.
func Reindex(rows []Row) {
	for i := 1; i < len(rows); i++ {
		prev, row := &rows[i-1], &rows[i]
		if row.PatientName == "" || row.PatientName != prev.PatientName {
			continue
		}
		switch {
		case row.StudyDate > prev.StudyDate:
			row.Visit = prev.Visit + 1
		case row.StudyDate == prev.StudyDate:
			row.Visit = prev.Visit
			switch {
			case row.StudyTime > prev.StudyTime:
				row.Session = prev.Session + 1
			case row.StudyTime == prev.StudyTime:
				row.Session = prev.Session
			}
		}
	}
}

// Reindex sorts the table and renumbers all visits and sessions.
func (t *Table) Reindex() {
	t.Sort()
	Reindex(t.Rows)
}

// Namer builds session identifiers for one study.
type Namer struct {
	Study    string
	Site     string
	Modality string
}

// Name returns STUDY_SITE_SUBJECT_VISIT_SE<SESSION>_MODALITY for a patient
// name. When the patient name has too few fields the participant part is
// "undefined" and the error says why.
func (n Namer) Name(patientName string) (string, error) {
	token, err := scanid.ParticipantToken(patientName)
	return scanid.SessionID(n.Study, n.Site, token, n.Modality), err
}

// GenerateSessionIDs sets the target name of every row that is not marked
// <ignore>. Existing target names are replaced. Patient names that cannot be
// split are logged and get an "undefined" participant part.
func GenerateSessionIDs(rows []Row, n Namer, logger log.Logger) {
	for i := range rows {
		if rows[i].TargetName == scanid.Ignore {
			continue
		}
		name, err := n.Name(rows[i].PatientName)
		if err != nil {
			level.Warn(logger).Log("msg", "unable to create participant id", "source_name", rows[i].SourceName, "err", err)
		}
		rows[i].TargetName = name
	}
}
