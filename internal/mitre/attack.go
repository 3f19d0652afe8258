// Package mitre maps detector output to MITRE ATT&CK techniques
package mitre

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lvonguyen/minisoc/internal/telemetry"
)

// AttackFramework is a static, read-only catalogue of the techniques the
// authentication detectors can evidence.
type AttackFramework struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	byDetector map[string][]Mapping
}

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1110.003"
	Name    string   `json:"name"`    // e.g., "Password Spraying"
	Tactics []string `json:"tactics"` // e.g., ["credential-access"]
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	URL       string `json:"url"`
}

// Mapping links a detector to a technique
type Mapping struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticID      string  `json:"tactic_id"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
}

// NewAttackFramework builds the catalogue.
func NewAttackFramework() *AttackFramework {
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		byDetector: make(map[string][]Mapping),
	}
	af.initializeTactics()
	af.initializeTechniques()
	af.initializeDetectorMappings()
	return af
}

// MapDetector returns the techniques evidenced by a detector's findings.
func (af *AttackFramework) MapDetector(detectorID string) []Mapping {
	return append([]Mapping(nil), af.byDetector[strings.ToUpper(detectorID)]...)
}

// TechniquesFor returns the sorted technique IDs for a detector.
func (af *AttackFramework) TechniquesFor(detectorID string) []string {
	ms := af.byDetector[strings.ToUpper(detectorID)]
	if len(ms) == 0 {
		return nil
	}
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.TechniqueID)
	}
	sort.Strings(ids)
	return ids
}

// Annotate sets alert techniques from its detector.
func (af *AttackFramework) Annotate(a *telemetry.Alert) {
	a.Techniques = af.TechniquesFor(a.DetectorID)
}

// GetTechnique returns a technique by ID
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	t, ok := af.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	t, ok := af.tactics[strings.ToLower(id)]
	return t, ok
}

func (af *AttackFramework) mapping(techniqueID string, confidence float64) Mapping {
	t := af.techniques[techniqueID]
	m := Mapping{TechniqueID: t.ID, TechniqueName: t.Name, Confidence: confidence}
	if len(t.Tactics) > 0 {
		if tac, ok := af.tactics[t.Tactics[0]]; ok {
			m.TacticID = tac.ID
			m.TacticName = tac.Name
		}
	}
	return m
}

func (af *AttackFramework) initializeDetectorMappings() {
	af.byDetector["AUTH001"] = []Mapping{af.mapping("T1110.001", 0.8)}
	af.byDetector["AUTH002"] = []Mapping{af.mapping("T1110.003", 0.8)}
	af.byDetector["AUTH003"] = []Mapping{af.mapping("T1078", 0.4)}
	af.byDetector["AUTH004"] = []Mapping{af.mapping("T1078", 0.3)}
	af.byDetector["AUTH005"] = []Mapping{af.mapping("T1078", 0.6), af.mapping("T1133", 0.4)}
}

func (af *AttackFramework) initializeTechniques() {
	techniques := []*Technique{
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1110.001", Name: "Password Guessing", Tactics: []string{"credential-access"}},
		{ID: "T1110.003", Name: "Password Spraying", Tactics: []string{"credential-access"}},
		{ID: "T1110.004", Name: "Credential Stuffing", Tactics: []string{"credential-access"}},
		{ID: "T1078", Name: "Valid Accounts", Tactics: []string{"initial-access", "persistence", "privilege-escalation", "defense-evasion"}},
		{ID: "T1133", Name: "External Remote Services", Tactics: []string{"initial-access", "persistence"}},
		{ID: "T1021.004", Name: "Remote Services: SSH", Tactics: []string{"lateral-movement"}},
	}
	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		af.techniques[t.ID] = t
	}
}

func (af *AttackFramework) initializeTactics() {
	tactics := []*Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
	}
	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[strings.ToLower(t.ID)] = t
	}
}
