// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package status

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/manifest"
	"github.com/mmiv-center/Research-Information-System/datman-tools/internal/scanid"
)

// TUI browses a manifest as a patient / visit / archive tree.
type TUI struct {
	table     *manifest.Table
	summary   *tview.TextView
	detail    *tview.TextView
	selection *tview.TreeView
	flex      *tview.Flex
	app       *tview.Application
}

// NewTUI builds the widgets for t. Rows are shown in manifest order, the
// table should be reindexed before.
func NewTUI(t *manifest.Table) *TUI {
	tui := &TUI{table: t}
	newPrimitive := func(text string) *tview.TextView {
		return tview.NewTextView().
			SetTextAlign(tview.AlignLeft).
			SetText(text)
	}
	tui.summary = newPrimitive(summaryText(Summarize(t)))
	tui.summary.SetBorder(true).SetTitle("Manifest")
	tui.detail = newPrimitive("").SetDynamicColors(true)
	tui.detail.SetBorder(true).SetTitle("Archive")
	tui.selection = tview.NewTreeView()
	tui.selection.SetBorder(true)
	tui.selection.SetTitle("Participants")

	tui.flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tview.NewFlex().SetDirection(tview.FlexColumn).
			AddItem(tui.summary, 30, 1, false).
			AddItem(tui.detail, 0, 1, false), 0, 1, false).
		AddItem(tui.selection, 0, 2, true)

	root := tview.NewTreeNode("Participants").SetSelectable(false)
	tui.selection.SetRoot(root).SetCurrentNode(root)
	buildTree(root, t)

	tui.selection.SetSelectedFunc(func(node *tview.TreeNode) {
		if row, ok := node.GetReference().(manifest.Row); ok {
			tui.detail.Clear()
			fmt.Fprint(tui.detail, detailText(row))
			return
		}
		node.SetExpanded(!node.IsExpanded())
	})
	return tui
}

// buildTree adds one node per patient with one child per visit and the
// archives of that visit below.
func buildTree(root *tview.TreeNode, t *manifest.Table) {
	var patient, visit *tview.TreeNode
	var lastPatient string
	var lastVisit int64
	for i, r := range t.Rows {
		if patient == nil || r.PatientName != lastPatient {
			patient = tview.NewTreeNode(r.PatientName).SetSelectable(true)
			root.AddChild(patient)
			lastPatient = r.PatientName
			visit = nil
		}
		if visit == nil || r.Visit != lastVisit {
			visit = tview.NewTreeNode(fmt.Sprintf("visit %d [gray]%d[-]", r.Visit, r.StudyDate)).SetSelectable(true)
			patient.AddChild(visit)
			lastVisit = r.Visit
		}
		label := fmt.Sprintf("session %d %s", r.Session, r.SourceName)
		node := tview.NewTreeNode(label).SetReference(t.Rows[i]).SetSelectable(true)
		switch r.TargetName {
		case scanid.Ignore:
			node.SetColor(tcell.ColorGray)
		case "":
			node.SetColor(tcell.ColorYellow)
		}
		visit.AddChild(node)
	}
}

func summaryText(s Summary) string {
	return message.NewPrinter(language.English).Sprintf("Archives     %d\nParticipants %d\nVisits       %d\nIgnored      %d\nUnassigned   %d\n",
		s.Archives, s.Participants, s.Visits, s.Ignored, s.Unassigned)
}

func detailText(r manifest.Row) string {
	var b strings.Builder
	for i, v := range r.Record() {
		fmt.Fprintf(&b, "[blue]%s[-] %s\n", manifest.Columns[i], tview.Escape(v))
	}
	return b.String()
}

// Run shows the TUI until q or Escape is pressed.
func (tui *TUI) Run() error {
	tui.app = tview.NewApplication()
	tui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || (event.Key() == tcell.KeyRune && event.Rune() == 'q') {
			tui.app.Stop()
			return nil
		}
		return event
	})
	if err := tui.app.SetRoot(tui.flex, true).SetFocus(tui.selection).EnableMouse(true).Run(); err != nil {
		return errors.New("the --tui mode is only available in a proper terminal")
	}
	return nil
}
