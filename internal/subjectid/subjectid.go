// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package subjectid rewrites subject identifiers with per-study rules.
// The rule table is JSON, a list of studies each with an ordered list of
// rules, so new studies need no code change.
package subjectid

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

//go:embed rules/subjectid.json
var defaultRules []byte

const (
	OpReplace          = "replace"
	OpStripBeforeDigit = "strip-before-digit"
)

// Rule is a single rewrite step.
type Rule struct {
	Operator string `json:"operator"`
	Old      string `json:"old,omitempty"`
	New      string `json:"new,omitempty"`
	Index    int    `json:"index,omitempty"`
}

// Study holds the ordered rules for one study.
type Study struct {
	Study       string `json:"study"`
	Description string `json:"description"`
	Rules       []Rule `json:"rules"`
}

// Rules maps a study name to its ordered rule list.
type Rules map[string][]Rule

// Default returns the rule table shipped with the binary.
func Default() Rules {
	rules, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("embedded subject id rules: %v", err))
	}
	return rules
}

// Load reads a rule table from a JSON file.
func Load(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subject id rules: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON rule table.
func Parse(data []byte) (Rules, error) {
	var studies []Study
	if err := json.Unmarshal(data, &studies); err != nil {
		return nil, fmt.Errorf("decode subject id rules: %w", err)
	}
	rules := make(Rules, len(studies))
	for _, s := range studies {
		if s.Study == "" {
			return nil, fmt.Errorf("subject id rules: entry without study name")
		}
		for i, r := range s.Rules {
			switch r.Operator {
			case OpReplace:
				if r.Old == "" {
					return nil, fmt.Errorf("subject id rules: %s rule %d: replace needs old", s.Study, i)
				}
			case OpStripBeforeDigit:
				if r.Index < 0 {
					return nil, fmt.Errorf("subject id rules: %s rule %d: negative index", s.Study, i)
				}
			default:
				return nil, fmt.Errorf("subject id rules: %s rule %d: unknown operator %q", s.Study, i, r.Operator)
			}
		}
		rules[s.Study] = s.Rules
	}
	return rules, nil
}

// Apply rewrites id with the rules of study. Ids of studies without rules
// are returned unchanged.
func (rs Rules) Apply(study, id string) string {
	for _, r := range rs[study] {
		id = r.apply(id)
	}
	return id
}

func (r Rule) apply(id string) string {
	switch r.Operator {
	case OpReplace:
		return strings.ReplaceAll(id, r.Old, r.New)
	case OpStripBeforeDigit:
		runes := []rune(id)
		if r.Index < len(runes) && unicode.IsDigit(runes[r.Index]) {
			return string(runes[r.Index:])
		}
	}
	return id
}
