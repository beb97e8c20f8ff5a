// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package status shows the content of a study manifest.
package status

import (
	"io"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/manifest"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/scanid"
)

// Summary counts the content of a manifest.
type Summary struct {
	Archives     int `json:"archives"`
	Participants int `json:"participants"`
	Visits       int `json:"visits"`
	Ignored      int `json:"ignored"`
	Unassigned   int `json:"unassigned"`
}

// Summarize counts archives, distinct patients, distinct (patient, date)
// visits, ignored rows and rows without target name.
func Summarize(t *manifest.Table) Summary {
	type visit struct {
		patient string
		date    int64
	}
	patients := make(map[string]bool)
	visits := make(map[visit]bool)
	s := Summary{Archives: t.Len()}
	for _, r := range t.Rows {
		patients[r.PatientName] = true
		visits[visit{r.PatientName, r.StudyDate}] = true
		switch r.TargetName {
		case scanid.Ignore:
			s.Ignored++
		case "":
			s.Unassigned++
		}
	}
	s.Participants = len(patients)
	s.Visits = len(visits)
	return s
}

func (s Summary) String() string {
	return message.NewPrinter(language.English).Sprintf("Archives: %d Participants: %d Visits: %d Ignored: %d Unassigned: %d",
		s.Archives, s.Participants, s.Visits, s.Ignored, s.Unassigned)
}

// Render writes the manifest as a table followed by the summary line.
func Render(w io.Writer, t *manifest.Table) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(manifest.Columns)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range t.Rows {
		table.Append(r.Record())
	}
	table.Render()
	io.WriteString(w, Summarize(t).String()+"\n")
}
