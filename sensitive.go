package cfw

import "regexp"

// SensitiveStage scans buffers for sensitive-data shapes: credit card and
// social security numbers, email addresses, phone numbers, API keys, and
// JWT tokens. Each distinct matched value becomes one detection carrying
// the substring and its offset, which the policy engine uses for in-place
// redaction.
type SensitiveStage struct {
	order    []string
	patterns map[string][]*regexp.Regexp
}

// NewSensitiveStage compiles the sensitive-data rules from the set. Returns
// nil if the set contains no sensitive-data rules.
func NewSensitiveStage(rules []DetectionRule) *SensitiveStage {
	sensRules := rulesForCategory(rules, CategorySensitive)
	if len(sensRules) == 0 {
		return nil
	}

	s := &SensitiveStage{patterns: make(map[string][]*regexp.Regexp)}
	for _, r := range sensRules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			continue
		}
		if _, seen := s.patterns[r.Type]; !seen {
			s.order = append(s.order, r.Type)
		}
		s.patterns[r.Type] = append(s.patterns[r.Type], re)
	}

	return s
}

// Name implements Stage.
func (s *SensitiveStage) Name() string { return "sensitive_data" }

// Inspect implements Stage. Each distinct matched value yields its own
// detection so that redaction and risk scoring see every occurrence.
func (s *SensitiveStage) Inspect(data []byte, meta *ConnMeta) []Detection {
	var dets []Detection

	for _, dataType := range s.order {
		seen := make(map[string]int) // value -> index into dets for this type
		for _, re := range s.patterns[dataType] {
			for _, hit := range re.FindAllIndex(data, -1) {
				value := string(data[hit[0]:hit[1]])
				if i, ok := seen[value]; ok {
					dets[i].Matches++
					continue
				}
				seen[value] = len(dets)
				dets = append(dets, Detection{
					Category: CategorySensitive,
					Type:     dataType,
					Matches:  1,
					Match:    value,
					Position: hit[0],
				})
			}
		}
	}

	return dets
}
