package cfw

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// ThreatLevel orders the severity of a detection or threat record.
type ThreatLevel string

// Threat levels, from least to most severe.
const (
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

var levelRank = map[ThreatLevel]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// AtLeast reports whether l is at or above min in severity ordering.
func (l ThreatLevel) AtLeast(min ThreatLevel) bool {
	return levelRank[l] >= levelRank[min]
}

// ParseThreatLevel maps a config string to a ThreatLevel, ignoring case and
// defaulting to medium.
func ParseThreatLevel(s string) ThreatLevel {
	switch l := ThreatLevel(strings.ToLower(s)); l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return l
	default:
		return LevelMedium
	}
}

// Detection categories produced by the built-in stages.
const (
	CategoryProtocol  = "protocol"
	CategoryThreat    = "threat"
	CategoryLLM       = "llm_indicator"
	CategorySensitive = "sensitive_data"
	CategoryAnalyzer  = "analyzer"
)

// Detection is a single finding produced by one inspection stage for one
// buffer. It is ephemeral: the policy engine consumes it immediately.
type Detection struct {
	// Category is the producing stage family (protocol, threat,
	// llm_indicator, sensitive_data, analyzer).
	Category string `json:"category"`

	// Type is the matched rule type, e.g. "sql_injection", "openai_api",
	// "credit_card".
	Type string `json:"type"`

	// Severity is set for threat and analyzer detections.
	Severity ThreatLevel `json:"severity,omitempty"`

	// Confidence is set for LLM-indicator detections (0..1].
	Confidence float64 `json:"confidence,omitempty"`

	// Matches is the number of pattern hits in the buffer.
	Matches int `json:"matches"`

	// Match is the first matched substring, used for in-place redaction.
	Match string `json:"match,omitempty"`

	// Position is the byte offset of the first match.
	Position int `json:"position,omitempty"`
}

// ConnMeta is the connection metadata snapshot handed to every stage.
type ConnMeta struct {
	ID         string
	ClientAddr string
	Host       string
	Port       string
	Protocol   string
}

// Stage is one classifier in the inspection pipeline. Implementations must
// be stateless with respect to individual buffers and safe for concurrent
// use across connections.
type Stage interface {
	// Name identifies the stage in logs and metrics.
	Name() string

	// Inspect scans the buffer and returns zero or more detections.
	Inspect(data []byte, meta *ConnMeta) []Detection
}

// Pipeline runs an ordered list of stages over each buffer. A stage that
// panics is isolated: it contributes zero detections for that buffer and
// the remaining stages still run.
type Pipeline struct {
	stages []Stage
	logger *slog.Logger

	buffersInspected atomic.Uint64
	detectionsFound  atomic.Uint64
	stageFailures    atomic.Uint64
}

// NewPipeline builds a pipeline from the given rule set. The standard stage
// order is protocol, threat, llm-indicator, sensitive-data, then the optional
// external analyzer. Stages with no rules in the set are omitted.
func NewPipeline(rules []DetectionRule, analyzer *AnalyzerStage) *Pipeline {
	p := &Pipeline{logger: slog.Default()}

	if s := NewProtocolStage(rules); s != nil {
		p.stages = append(p.stages, s)
	}
	if s := NewThreatStage(rules); s != nil {
		p.stages = append(p.stages, s)
	}
	if s := NewLLMStage(rules); s != nil {
		p.stages = append(p.stages, s)
	}
	if s := NewSensitiveStage(rules); s != nil {
		p.stages = append(p.stages, s)
	}
	if analyzer != nil {
		p.stages = append(p.stages, analyzer)
	}

	return p
}

// SetLogger replaces the pipeline's logger.
func (p *Pipeline) SetLogger(logger *slog.Logger) {
	p.logger = logger
}

// StageNames returns the names of the configured stages in run order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Inspect runs every stage over the buffer and concatenates their detections.
func (p *Pipeline) Inspect(data []byte, meta *ConnMeta) []Detection {
	p.buffersInspected.Add(1)

	var all []Detection
	for _, stage := range p.stages {
		dets := p.runStage(stage, data, meta)
		all = append(all, dets...)
	}

	p.detectionsFound.Add(uint64(len(all)))
	return all
}

func (p *Pipeline) runStage(stage Stage, data []byte, meta *ConnMeta) (dets []Detection) {
	defer func() {
		if r := recover(); r != nil {
			p.stageFailures.Add(1)
			p.logger.Error("inspection stage panicked",
				"stage", stage.Name(), "panic", r)
			dets = nil
		}
	}()
	return stage.Inspect(data, meta)
}

// PipelineStats is a point-in-time snapshot of pipeline counters.
type PipelineStats struct {
	BuffersInspected uint64   `json:"buffers_inspected"`
	DetectionsFound  uint64   `json:"detections_found"`
	StageFailures    uint64   `json:"stage_failures"`
	Stages           []string `json:"stages"`
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		BuffersInspected: p.buffersInspected.Load(),
		DetectionsFound:  p.detectionsFound.Load(),
		StageFailures:    p.stageFailures.Load(),
		Stages:           p.StageNames(),
	}
}

// ReloadablePipeline wraps a Pipeline with full-set rule reloading. Reload
// builds a complete new pipeline from the loader's rules and swaps it in;
// readers never observe a partially loaded rule set.
type ReloadablePipeline struct {
	mu       sync.RWMutex
	pipeline *Pipeline
	rules    []DetectionRule

	loader   RuleLoader
	analyzer *AnalyzerStage
	extra    []DetectionRule

	// OnReload is called after a successful reload with the rule count.
	OnReload func(count int)

	// OnError is called when a reload attempt fails.
	OnError func(err error)
}

// NewReloadablePipeline creates a reloadable pipeline. The initial pipeline
// is built from the built-in rules only; call Load to pull from the loader.
func NewReloadablePipeline(loader RuleLoader, analyzer *AnalyzerStage) *ReloadablePipeline {
	rules := DefaultRules()
	return &ReloadablePipeline{
		pipeline: NewPipeline(rules, analyzer),
		rules:    rules,
		loader:   loader,
		analyzer: analyzer,
	}
}

// Load pulls rules from the loader, appends runtime-added custom rules, and
// swaps in a freshly built pipeline.
func (rp *ReloadablePipeline) Load(ctx context.Context) error {
	rules, err := rp.loader.Load(ctx)
	if err != nil {
		if rp.OnError != nil {
			rp.OnError(err)
		}
		return err
	}

	rp.mu.Lock()
	rules = append(rules, rp.extra...)
	rp.pipeline = NewPipeline(rules, rp.analyzer)
	rp.rules = rules
	count := len(rules)
	rp.mu.Unlock()

	if rp.OnReload != nil {
		rp.OnReload(count)
	}

	return nil
}

// AddRule registers a custom rule at runtime and rebuilds the pipeline.
// The rule survives subsequent Load calls.
func (rp *ReloadablePipeline) AddRule(ctx context.Context, rule DetectionRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	rp.mu.Lock()
	rp.extra = append(rp.extra, rule)
	rp.mu.Unlock()

	return rp.Load(ctx)
}

// Inspect delegates to the current pipeline.
func (rp *ReloadablePipeline) Inspect(data []byte, meta *ConnMeta) []Detection {
	return rp.Pipeline().Inspect(data, meta)
}

// Pipeline returns the current pipeline. Do not hold the result across a
// reload boundary.
func (rp *ReloadablePipeline) Pipeline() *Pipeline {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	return rp.pipeline
}

// Rules returns a copy of the currently active rule set.
func (rp *ReloadablePipeline) Rules() []DetectionRule {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	out := make([]DetectionRule, len(rp.rules))
	copy(out, rp.rules)
	return out
}

// RuleCount returns the number of active rules.
func (rp *ReloadablePipeline) RuleCount() int {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	return len(rp.rules)
}
