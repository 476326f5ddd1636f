package cfw

import "regexp"

// ThreatStage scans buffers for attack patterns: SQL injection, cross-site
// scripting, known malware signatures, and suspicious command invocations.
// Each matched type becomes one detection carrying the type's severity.
type ThreatStage struct {
	order    []string
	patterns map[string][]threatPattern
}

type threatPattern struct {
	re       *regexp.Regexp
	severity ThreatLevel
}

// NewThreatStage compiles the threat rules from the set. Returns nil if the
// set contains no threat rules.
func NewThreatStage(rules []DetectionRule) *ThreatStage {
	threatRules := rulesForCategory(rules, CategoryThreat)
	if len(threatRules) == 0 {
		return nil
	}

	s := &ThreatStage{patterns: make(map[string][]threatPattern)}
	for _, r := range threatRules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			continue
		}
		severity := r.Severity
		if severity == "" {
			severity = severityForThreat(r.Type)
		}
		if _, seen := s.patterns[r.Type]; !seen {
			s.order = append(s.order, r.Type)
		}
		s.patterns[r.Type] = append(s.patterns[r.Type], threatPattern{re: re, severity: severity})
	}

	return s
}

// Name implements Stage.
func (s *ThreatStage) Name() string { return "threats" }

// Inspect implements Stage. Matches are aggregated per threat type: one
// detection per type with the total hit count across its patterns.
func (s *ThreatStage) Inspect(data []byte, meta *ConnMeta) []Detection {
	var dets []Detection

	for _, threatType := range s.order {
		var (
			matches  int
			severity ThreatLevel
			first    []int
		)
		for _, tp := range s.patterns[threatType] {
			hits := tp.re.FindAllIndex(data, -1)
			if len(hits) == 0 {
				continue
			}
			matches += len(hits)
			if severity == "" || tp.severity.AtLeast(severity) {
				severity = tp.severity
			}
			if first == nil {
				first = hits[0]
			}
		}
		if matches == 0 {
			continue
		}

		d := Detection{
			Category: CategoryThreat,
			Type:     threatType,
			Severity: severity,
			Matches:  matches,
		}
		if first != nil {
			d.Match = string(data[first[0]:first[1]])
			d.Position = first[0]
		}
		dets = append(dets, d)
	}

	return dets
}
