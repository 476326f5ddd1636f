package cfw

import "regexp"

// ProtocolStage classifies the buffer against protocol signatures: HTTP verb
// lines, TLS record headers, FTP/SMTP banners, and DNS header bytes. The
// first matching type wins; a buffer matching nothing is tagged "unknown".
type ProtocolStage struct {
	order    []string
	patterns map[string][]*regexp.Regexp
}

// NewProtocolStage compiles the protocol rules from the set. Returns nil if
// the set contains no protocol rules.
func NewProtocolStage(rules []DetectionRule) *ProtocolStage {
	protoRules := rulesForCategory(rules, CategoryProtocol)
	if len(protoRules) == 0 {
		return nil
	}

	s := &ProtocolStage{patterns: make(map[string][]*regexp.Regexp)}
	for _, r := range protoRules {
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
func (s *ProtocolStage) Name() string { return "protocol" }

// DetectProtocol returns the protocol tag for the buffer, or "unknown".
func (s *ProtocolStage) DetectProtocol(data []byte) string {
	for _, proto := range s.order {
		for _, re := range s.patterns[proto] {
			if re.Match(data) {
				return proto
			}
		}
	}
	return "unknown"
}

// Inspect implements Stage. A recognized protocol becomes one detection and
// tags the connection metadata; an unknown buffer only tags the metadata.
func (s *ProtocolStage) Inspect(data []byte, meta *ConnMeta) []Detection {
	proto := s.DetectProtocol(data)
	if meta != nil && (meta.Protocol == "" || meta.Protocol == "unknown") {
		meta.Protocol = proto
	}
	if proto == "unknown" {
		return nil
	}

	return []Detection{{
		Category: CategoryProtocol,
		Type:     proto,
		Matches:  1,
	}}
}
