package cfw

import (
	"math"
	"regexp"
)

// LLMStage scans buffers for AI-service traffic: provider API hostnames,
// auth-header shapes, and JSON fields characteristic of completion requests.
// Confidence starts from a per-type base value and grows slightly with each
// additional pattern hit, capped at 1.0.
type LLMStage struct {
	order    []string
	patterns map[string][]llmPattern
}

type llmPattern struct {
	re   *regexp.Regexp
	base float64
}

// NewLLMStage compiles the LLM-indicator rules from the set. Returns nil if
// the set contains no LLM rules.
func NewLLMStage(rules []DetectionRule) *LLMStage {
	llmRules := rulesForCategory(rules, CategoryLLM)
	if len(llmRules) == 0 {
		return nil
	}

	s := &LLMStage{patterns: make(map[string][]llmPattern)}
	for _, r := range llmRules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			continue
		}
		base := r.Confidence
		if base == 0 {
			base = confidenceForLLM(r.Type)
		}
		if _, seen := s.patterns[r.Type]; !seen {
			s.order = append(s.order, r.Type)
		}
		s.patterns[r.Type] = append(s.patterns[r.Type], llmPattern{re: re, base: base})
	}

	return s
}

// Name implements Stage.
func (s *LLMStage) Name() string { return "llm_traffic" }

// Inspect implements Stage. Matches are aggregated per indicator type.
func (s *LLMStage) Inspect(data []byte, meta *ConnMeta) []Detection {
	var dets []Detection

	for _, indicatorType := range s.order {
		var (
			matches int
			base    float64
		)
		for _, lp := range s.patterns[indicatorType] {
			hits := lp.re.FindAllIndex(data, -1)
			if len(hits) == 0 {
				continue
			}
			matches += len(hits)
			if lp.base > base {
				base = lp.base
			}
		}
		if matches == 0 {
			continue
		}

		dets = append(dets, Detection{
			Category:   CategoryLLM,
			Type:       indicatorType,
			Confidence: llmConfidence(base, matches),
			Matches:    matches,
		})
	}

	return dets
}

// llmConfidence adds a 0.05 bonus per match (capped at 0.20) to the base
// confidence, never exceeding 1.0.
func llmConfidence(base float64, matches int) float64 {
	bonus := math.Min(float64(matches)*0.05, 0.20)
	c := math.Min(base+bonus, 1.0)
	return math.Round(c*100) / 100
}
