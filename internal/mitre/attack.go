// Package mitre provides the MITRE ATT&CK tactics, techniques and attack types
// used as classification labels.
package mitre

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0006"
	Name      string `json:"name"`       // e.g., "Credential Access"
	ShortName string `json:"short_name"` // e.g., "credential-access"
	URL       string `json:"url"`
}

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID     string `json:"id"`   // e.g., "T1110"
	Name   string `json:"name"` // e.g., "Brute Force"
	Tactic string `json:"tactic"`
	URL    string `json:"url"`
}

// Mapping is a technique suggested for an event by keyword evidence.
type Mapping struct {
	AttackType    string  `json:"attack_type"`
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
	Evidence      string  `json:"evidence"`
}

// Catalogue is an immutable ATT&CK lookup table.
type Catalogue struct {
	tactics     []*Tactic
	tacticIndex map[string]*Tactic
	techniques  map[string][]*Technique // keyed by tactic name
	techIndex   map[string]*Technique   // keyed by lower-case ID and name
	attackTypes []string
	rules       []keywordRule
}

var (
	defaultOnce      sync.Once
	defaultCatalogue *Catalogue
)

// Default returns the shared catalogue.
func Default() *Catalogue {
	defaultOnce.Do(func() {
		defaultCatalogue = NewCatalogue()
	})
	return defaultCatalogue
}

// NewCatalogue builds the catalogue of the twelve enterprise tactics.
func NewCatalogue() *Catalogue {
	c := &Catalogue{
		tacticIndex: make(map[string]*Tactic),
		techniques:  make(map[string][]*Technique),
		techIndex:   make(map[string]*Technique),
		attackTypes: []string{
			"Brute Force", "SQL Injection", "Cross-Site Scripting", "Denial of Service",
			"Phishing", "Malware", "Ransomware", "Data Exfiltration", "Privilege Escalation",
			"Reconnaissance", "Lateral Movement", "Command and Control",
		},
	}
	c.initializeTactics()
	c.initializeTechniques()
	c.rules = defaultRules()
	return c
}

// Tactics returns the tactics in kill-chain order.
func (c *Catalogue) Tactics() []Tactic {
	out := make([]Tactic, len(c.tactics))
	for i, t := range c.tactics {
		out[i] = *t
	}
	return out
}

// TacticNames returns the tactic display names in kill-chain order.
func (c *Catalogue) TacticNames() []string {
	out := make([]string, len(c.tactics))
	for i, t := range c.tactics {
		out[i] = t.Name
	}
	return out
}

// GetTactic returns a tactic by ID, name or short name
func (c *Catalogue) GetTactic(key string) (Tactic, bool) {
	t, ok := c.tacticIndex[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Tactic{}, false
	}
	return *t, true
}

// GetTechnique returns a technique by ID or name
func (c *Catalogue) GetTechnique(key string) (Technique, bool) {
	t, ok := c.techIndex[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Technique{}, false
	}
	return *t, true
}

// TechniquesByTactic returns the techniques listed under a tactic.
func (c *Catalogue) TechniquesByTactic(tactic string) []Technique {
	t, ok := c.GetTactic(tactic)
	if !ok {
		return nil
	}
	list := c.techniques[t.Name]
	out := make([]Technique, len(list))
	for i, tech := range list {
		out[i] = *tech
	}
	return out
}

// AttackTypes returns the attack-type labels a classifier may emit.
func (c *Catalogue) AttackTypes() []string {
	return append([]string(nil), c.attackTypes...)
}

// Consistent reports whether technique belongs to tactic. Empty values are consistent.
func (c *Catalogue) Consistent(tactic, technique string) bool {
	if tactic == "" || technique == "" {
		return true
	}
	tech, ok := c.GetTechnique(technique)
	if !ok {
		return false
	}
	t, ok := c.GetTactic(tactic)
	return ok && t.Name == tech.Tactic
}

// MapRuleName suggests techniques for a SIEM rule name, most confident first.
func (c *Catalogue) MapRuleName(ruleName string) []Mapping {
	lower := strings.ToLower(ruleName)
	mappings := make([]Mapping, 0)

	for _, rule := range c.rules {
		for _, kw := range rule.keywords {
			if !strings.Contains(lower, kw) {
				continue
			}
			tech, _ := c.GetTechnique(rule.technique)
			mappings = append(mappings, Mapping{
				AttackType:    rule.attackType,
				TechniqueID:   tech.ID,
				TechniqueName: tech.Name,
				TacticName:    tech.Tactic,
				Confidence:    rule.confidence,
				Evidence:      fmt.Sprintf("rule name contains %q", kw),
			})
			break
		}
	}

	sort.SliceStable(mappings, func(i, j int) bool {
		return mappings[i].Confidence > mappings[j].Confidence
	})
	return mappings
}

type keywordRule struct {
	keywords   []string
	attackType string
	technique  string
	confidence float64
}

func defaultRules() []keywordRule {
	return []keywordRule{
		{[]string{"brute force", "authentication failure", "multiple failed", "password guess"}, "Brute Force", "T1110", 0.8},
		{[]string{"sql injection", "sqli", "union select"}, "SQL Injection", "T1190", 0.85},
		{[]string{"xss", "cross-site scripting", "cross site scripting"}, "Cross-Site Scripting", "T1189", 0.8},
		{[]string{"denial of service", "ddos", "dos attack", "flood"}, "Denial of Service", "T1499", 0.75},
		{[]string{"phishing", "spearphish"}, "Phishing", "T1566", 0.8},
		{[]string{"ransomware", "encrypted files", "ransom note"}, "Ransomware", "T1486", 0.9},
		{[]string{"malware", "trojan", "virus", "rootkit"}, "Malware", "T1204", 0.7},
		{[]string{"exfiltration", "data transfer", "large upload"}, "Data Exfiltration", "T1041", 0.75},
		{[]string{"privilege escalation", "sudo", "uac bypass", "setuid"}, "Privilege Escalation", "T1548", 0.7},
		{[]string{"port scan", "scan", "reconnaissance", "enumeration"}, "Reconnaissance", "T1046", 0.65},
		{[]string{"lateral movement", "pass the hash", "psexec", "remote service"}, "Lateral Movement", "T1021", 0.75},
		{[]string{"command and control", "c2", "beacon", "powershell"}, "Command and Control", "T1071", 0.6},
	}
}

func (c *Catalogue) initializeTactics() {
	tactics := []*Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		c.tactics = append(c.tactics, t)
		c.tacticIndex[strings.ToLower(t.ID)] = t
		c.tacticIndex[strings.ToLower(t.Name)] = t
		c.tacticIndex[t.ShortName] = t
	}
}

func (c *Catalogue) initializeTechniques() {
	byTactic := map[string][]*Technique{
		"Initial Access": {
			{ID: "T1566", Name: "Phishing"},
			{ID: "T1078", Name: "Valid Accounts"},
			{ID: "T1133", Name: "External Remote Services"},
		},
		"Execution": {
			{ID: "T1059", Name: "Command Line Interface"},
			{ID: "T1059.001", Name: "Scripting"},
			{ID: "T1047", Name: "Windows Management Instrumentation"},
		},
		"Persistence": {
			{ID: "T1547.001", Name: "Registry Run Keys"},
			{ID: "T1053.005", Name: "Scheduled Task"},
			{ID: "T1136", Name: "Create Account"},
		},
		"Privilege Escalation": {
			{ID: "T1134", Name: "Access Token Manipulation"},
			{ID: "T1548.002", Name: "Bypass User Account Control"},
			{ID: "T1548.003", Name: "Sudo and Sudo Caching"},
		},
		"Defense Evasion": {
			{ID: "T1562.001", Name: "Disable Security Tools"},
			{ID: "T1027", Name: "Obfuscated Files"},
			{ID: "T1014", Name: "Rootkit"},
		},
		"Credential Access": {
			{ID: "T1110", Name: "Brute Force"},
			{ID: "T1003", Name: "Credential Dumping"},
			{ID: "T1056.001", Name: "Keylogging"},
		},
		"Discovery": {
			{ID: "T1087", Name: "Account Discovery"},
			{ID: "T1046", Name: "Network Service Scanning"},
			{ID: "T1082", Name: "System Information Discovery"},
		},
		"Lateral Movement": {
			{ID: "T1021", Name: "Remote Services"},
			{ID: "T1534", Name: "Internal Spearphishing"},
			{ID: "T1550.002", Name: "Pass the Hash"},
		},
		"Collection": {
			{ID: "T1005", Name: "Data from Local System"},
			{ID: "T1114", Name: "Email Collection"},
			{ID: "T1113", Name: "Screen Capture"},
		},
		"Command and Control": {
			{ID: "T1573", Name: "Encrypted Channel"},
			{ID: "T1102", Name: "Web Service"},
			{ID: "T1219", Name: "Remote Access Tools"},
		},
		"Exfiltration": {
			{ID: "T1030", Name: "Data Transfer Size Limits"},
			{ID: "T1041", Name: "Exfiltration Over C2"},
			{ID: "T1029", Name: "Scheduled Transfer"},
		},
		"Impact": {
			{ID: "T1485", Name: "Data Destruction"},
			{ID: "T1489", Name: "Service Stop"},
			{ID: "T1499", Name: "Endpoint Denial of Service"},
		},
	}

	// Rule-only techniques, not offered as random choices.
	extra := map[string][]*Technique{
		"Initial Access":       {{ID: "T1190", Name: "Exploit Public-Facing Application"}, {ID: "T1189", Name: "Drive-by Compromise"}},
		"Execution":            {{ID: "T1204", Name: "User Execution"}},
		"Privilege Escalation": {{ID: "T1548", Name: "Abuse Elevation Control Mechanism"}},
		"Command and Control":  {{ID: "T1071", Name: "Application Layer Protocol"}},
		"Impact":               {{ID: "T1486", Name: "Data Encrypted for Impact"}},
	}

	for tactic, list := range byTactic {
		for _, t := range list {
			t.Tactic = tactic
			t.URL = techniqueURL(t.ID)
			c.techniques[tactic] = append(c.techniques[tactic], t)
			c.index(t)
		}
	}
	for tactic, list := range extra {
		for _, t := range list {
			t.Tactic = tactic
			t.URL = techniqueURL(t.ID)
			c.index(t)
		}
	}
}

func (c *Catalogue) index(t *Technique) {
	c.techIndex[strings.ToLower(t.ID)] = t
	if _, taken := c.techIndex[strings.ToLower(t.Name)]; !taken {
		c.techIndex[strings.ToLower(t.Name)] = t
	}
}

func techniqueURL(id string) string {
	return fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(id, ".", "/"))
}
