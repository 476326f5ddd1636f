package cfw

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Action is the verdict for one inspected buffer.
type Action int

// Verdicts, in increasing order of interference with the flow.
const (
	ActionAllow Action = iota
	ActionModify
	ActionBlock
)

// String returns the action's wire name.
func (a Action) String() string {
	switch a {
	case ActionModify:
		return "modify"
	case ActionBlock:
		return "block"
	default:
		return "allow"
	}
}

// Strategy selects how flagged buffers are handled. It is dispatched once
// per policy engine instance, not per buffer.
type Strategy int

// Handling strategies.
const (
	// StrategySteganography replaces each detected value in the buffer
	// with a configured placeholder and forwards the modified bytes.
	StrategySteganography Strategy = iota

	// StrategyBlock terminates the connection without forwarding.
	StrategyBlock

	// StrategySilentLog forwards the buffer unchanged but records the event.
	StrategySilentLog
)

// String returns the strategy's config name.
func (s Strategy) String() string {
	switch s {
	case StrategySteganography:
		return "steganography"
	case StrategyBlock:
		return "block"
	default:
		return "silent_log"
	}
}

// ParseStrategy maps a config string to a Strategy. Unknown or misconfigured
// values fall back to silent logging.
func ParseStrategy(s string) Strategy {
	switch s {
	case "steganography":
		return StrategySteganography
	case "block":
		return StrategyBlock
	default:
		return StrategySilentLog
	}
}

// ProcessingResult is the outcome of handling one buffer's detections.
type ProcessingResult struct {
	// Action is the verdict: allow, modify, or block.
	Action Action

	// Modified holds the replacement payload when Action is ActionModify.
	Modified []byte

	// Reason is a human-readable explanation of the verdict.
	Reason string

	// ThreatID references the persisted threat record, when one was created.
	ThreatID string

	// Level is the assessed threat level for the buffer.
	Level ThreatLevel
}

// RiskWeights parameterizes risk scoring. The values are heuristics carried
// over as configuration, not invariants.
type RiskWeights struct {
	// High is the score per high-risk sensitive type (credit card, SSN,
	// API key, password).
	High float64 `mapstructure:"high"`

	// Medium is the score per medium-risk type (email, phone).
	Medium float64 `mapstructure:"medium"`

	// Default is the score for everything else.
	Default float64 `mapstructure:"default"`

	// MultiTypeBonus is added when three or more distinct sensitive types
	// co-occur in one buffer.
	MultiTypeBonus float64 `mapstructure:"multi_type_bonus"`

	// CriticalScore, HighScore, and MediumScore are the level thresholds.
	CriticalScore float64 `mapstructure:"critical_score"`
	HighScore     float64 `mapstructure:"high_score"`
	MediumScore   float64 `mapstructure:"medium_score"`
}

// DefaultRiskWeights returns the standard scoring parameters.
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		High:           3,
		Medium:         1,
		Default:        0.5,
		MultiTypeBonus: 2,
		CriticalScore:  8,
		HighScore:      5,
		MediumScore:    2,
	}
}

var highRiskTypes = map[string]bool{
	"credit_card": true,
	"ssn":         true,
	"api_key":     true,
	"password":    true,
}

var mediumRiskTypes = map[string]bool{
	"email": true,
	"phone": true,
}

// PolicyConfig configures a PolicyEngine.
type PolicyConfig struct {
	// Strategy is the active handling strategy.
	Strategy Strategy

	// StrategyEnabled disables the active strategy when false; flagged
	// buffers are then allowed through with a logged reason.
	StrategyEnabled bool

	// Replacements maps sensitive types to redaction placeholders for the
	// steganography strategy. Types without an entry use DefaultPlaceholder.
	Replacements map[string]string

	// BlockMessage is the reason attached to block verdicts.
	BlockMessage string

	// AlertThreshold is the minimum threat level that raises an alert.
	// High and critical always alert.
	AlertThreshold ThreatLevel

	// Weights parameterizes risk scoring.
	Weights RiskWeights
}

// DefaultPlaceholder replaces detected values with no type-specific pattern.
const DefaultPlaceholder = "***REDACTED***"

// DefaultPolicyConfig returns a steganography-strategy config with standard
// weights and placeholders.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Strategy:        StrategySteganography,
		StrategyEnabled: true,
		Replacements: map[string]string{
			"credit_card": "****-****-****-****",
			"ssn":         "***-**-****",
			"email":       "redacted@example.com",
			"phone":       "***-***-****",
		},
		BlockMessage:   "Connection blocked due to sensitive data detection",
		AlertThreshold: LevelMedium,
		Weights:        DefaultRiskWeights(),
	}
}

// PolicyEngine consumes detections, scores risk, persists threat records,
// and applies the configured handling strategy. It is safe for concurrent
// use by all relay workers.
type PolicyEngine struct {
	cfg     PolicyConfig
	log     *ThreatLog
	alerter *Alerter
	logger  *slog.Logger

	mu    sync.Mutex
	stats PolicyStats
}

// PolicyStats counts policy decisions by outcome.
type PolicyStats struct {
	TotalThreats    uint64                 `json:"total_threats"`
	ByLevel         map[ThreatLevel]uint64 `json:"threats_by_level"`
	ByType          map[string]uint64      `json:"threats_by_type"`
	ActionsTaken    map[string]uint64      `json:"actions_taken"`
	AlertsTriggered uint64                 `json:"alerts_triggered"`
}

// NewPolicyEngine creates a policy engine. The threat log and alerter may be
// nil; persistence and alerting are then skipped.
func NewPolicyEngine(cfg PolicyConfig, log *ThreatLog, alerter *Alerter) *PolicyEngine {
	if cfg.Weights == (RiskWeights{}) {
		cfg.Weights = DefaultRiskWeights()
	}
	if cfg.BlockMessage == "" {
		cfg.BlockMessage = "Connection blocked due to sensitive data detection"
	}
	if cfg.AlertThreshold == "" {
		cfg.AlertThreshold = LevelMedium
	}

	return &PolicyEngine{
		cfg:     cfg,
		log:     log,
		alerter: alerter,
		logger:  slog.Default(),
		stats: PolicyStats{
			ByLevel:      make(map[ThreatLevel]uint64),
			ByType:       make(map[string]uint64),
			ActionsTaken: make(map[string]uint64),
		},
	}
}

// SetLogger replaces the engine's operational logger.
func (pe *PolicyEngine) SetLogger(logger *slog.Logger) {
	pe.logger = logger
}

// Handle scores the detections, persists a threat record, applies the active
// strategy, and raises an alert when warranted. A result is always produced,
// even when persistence fails.
func (pe *PolicyEngine) Handle(data []byte, meta *ConnMeta, detections []Detection) ProcessingResult {
	level := pe.assessLevel(detections)
	rec := pe.newRecord(data, meta, detections, level)

	result := pe.applyStrategy(data, detections, &rec)

	shouldAlert := pe.shouldAlert(level)
	rec.AlertSent = shouldAlert

	// Persist after the action is known. Log I/O failure never changes
	// the traffic decision.
	if pe.log != nil {
		if err := pe.log.Append(rec); err != nil {
			pe.logger.Error("threat log append failed", "error", err, "threat_id", rec.ThreatID)
		}
	}

	if shouldAlert && pe.alerter != nil {
		pe.alerter.Notify(rec)
	}

	pe.updateStats(level, detections, result.Action, shouldAlert)
	result.ThreatID = rec.ThreatID
	result.Level = level
	return result
}

// RiskScore computes the weighted detection score used for level assessment.
func (pe *PolicyEngine) RiskScore(detections []Detection) float64 {
	w := pe.cfg.Weights

	var score float64
	types := make(map[string]bool)
	for _, d := range detections {
		switch {
		case highRiskTypes[d.Type]:
			score += w.High
		case mediumRiskTypes[d.Type]:
			score += w.Medium
		default:
			score += w.Default
		}
		if d.Category == CategorySensitive {
			types[d.Type] = true
		}
	}

	if len(types) >= 3 {
		score += w.MultiTypeBonus
	}

	return score
}

// assessLevel maps the risk score onto a threat level, then raises it to the
// most severe stage-reported severity if that is higher.
func (pe *PolicyEngine) assessLevel(detections []Detection) ThreatLevel {
	w := pe.cfg.Weights
	score := pe.RiskScore(detections)

	level := LevelLow
	switch {
	case score >= w.CriticalScore:
		level = LevelCritical
	case score >= w.HighScore:
		level = LevelHigh
	case score >= w.MediumScore:
		level = LevelMedium
	}

	for _, d := range detections {
		if d.Severity != "" && d.Severity.AtLeast(level) {
			level = d.Severity
		}
	}

	return level
}

// newRecord builds the threat record for one detection event. The record id
// is derived from the timestamp, source address, and buffer size.
func (pe *PolicyEngine) newRecord(data []byte, meta *ConnMeta, detections []Detection, level ThreatLevel) ThreatRecord {
	now := time.Now()

	src, host, proto := "unknown", "unknown", "unknown"
	if meta != nil {
		if meta.ClientAddr != "" {
			src = meta.ClientAddr
		}
		if meta.Host != "" {
			host = meta.Host
		}
		if meta.Protocol != "" {
			proto = meta.Protocol
		}
	}

	sum := md5.Sum([]byte(fmt.Sprintf("%s%s%d", now.Format(time.RFC3339Nano), src, len(data))))
	threatID := hex.EncodeToString(sum[:])[:16]

	sample := data
	if len(sample) > sampleLimit {
		sample = sample[:sampleLimit]
	}

	return ThreatRecord{
		ThreatID:    threatID,
		Timestamp:   now,
		ThreatLevel: level,
		Detections:  detections,
		Meta: RecordMeta{
			SrcAddr:  src,
			DstHost:  host,
			Protocol: proto,
			DataSize: len(data),
		},
		DataSample: strings.ToValidUTF8(string(sample), ""),
	}
}

func (pe *PolicyEngine) applyStrategy(data []byte, detections []Detection, rec *ThreatRecord) ProcessingResult {
	if !pe.cfg.StrategyEnabled {
		rec.ActionTaken = "allowed_disabled_strategy"
		return ProcessingResult{
			Action: ActionAllow,
			Reason: fmt.Sprintf("strategy %s is disabled", pe.cfg.Strategy),
		}
	}

	switch pe.cfg.Strategy {
	case StrategySteganography:
		return pe.applySteganography(data, detections, rec)
	case StrategyBlock:
		return pe.applyBlock(detections, rec)
	default:
		return pe.applySilentLog(detections, rec)
	}
}

// applySteganography replaces every literal occurrence of each detected
// value with its type's placeholder. A failure to rewrite falls back to
// allow with a recorded reason, never a silent drop.
func (pe *PolicyEngine) applySteganography(data []byte, detections []Detection, rec *ThreatRecord) ProcessingResult {
	modified := string(data)

	replaced := 0
	for _, d := range detections {
		if d.Match == "" {
			continue
		}
		placeholder, ok := pe.cfg.Replacements[d.Type]
		if !ok {
			placeholder = DefaultPlaceholder
		}
		if strings.Contains(modified, d.Match) {
			modified = strings.ReplaceAll(modified, d.Match, placeholder)
			replaced++
		}
	}

	if replaced == 0 {
		// Nothing redactable in this buffer (e.g. protocol or LLM
		// indicators only): record and pass through.
		return pe.applySilentLog(detections, rec)
	}

	rec.ActionTaken = "steganography"
	return ProcessingResult{
		Action:   ActionModify,
		Modified: []byte(modified),
		Reason:   fmt.Sprintf("sensitive data redacted (%d values replaced)", replaced),
	}
}

func (pe *PolicyEngine) applyBlock(detections []Detection, rec *ThreatRecord) ProcessingResult {
	rec.ActionTaken = "blocked"
	rec.BlockReason = fmt.Sprintf("detected %d items", len(detections))

	return ProcessingResult{
		Action: ActionBlock,
		Reason: pe.cfg.BlockMessage,
	}
}

func (pe *PolicyEngine) applySilentLog(detections []Detection, rec *ThreatRecord) ProcessingResult {
	rec.ActionTaken = "silent_logged"

	return ProcessingResult{
		Action: ActionAllow,
		Reason: fmt.Sprintf("detections recorded (%d items)", len(detections)),
	}
}

// shouldAlert reports whether the level warrants an alert. High and critical
// always alert; below that the configured threshold decides.
func (pe *PolicyEngine) shouldAlert(level ThreatLevel) bool {
	if level.AtLeast(LevelHigh) {
		return true
	}
	return level.AtLeast(pe.cfg.AlertThreshold)
}

func (pe *PolicyEngine) updateStats(level ThreatLevel, detections []Detection, action Action, alerted bool) {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	pe.stats.TotalThreats++
	pe.stats.ByLevel[level]++
	for _, d := range detections {
		pe.stats.ByType[d.Type]++
	}
	pe.stats.ActionsTaken[action.String()]++
	if alerted {
		pe.stats.AlertsTriggered++
	}
}

// Stats returns a copy of the engine's counters.
func (pe *PolicyEngine) Stats() PolicyStats {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	out := PolicyStats{
		TotalThreats:    pe.stats.TotalThreats,
		AlertsTriggered: pe.stats.AlertsTriggered,
		ByLevel:         make(map[ThreatLevel]uint64, len(pe.stats.ByLevel)),
		ByType:          make(map[string]uint64, len(pe.stats.ByType)),
		ActionsTaken:    make(map[string]uint64, len(pe.stats.ActionsTaken)),
	}
	for k, v := range pe.stats.ByLevel {
		out.ByLevel[k] = v
	}
	for k, v := range pe.stats.ByType {
		out.ByType[k] = v
	}
	for k, v := range pe.stats.ActionsTaken {
		out.ActionsTaken[k] = v
	}
	return out
}
