package cfw

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRateLimited is returned by a throttled analyzer when its request budget
// is exhausted. The analyzer stage treats it as a skipped stage, never as a
// traffic failure.
var ErrRateLimited = errors.New("analyzer rate limit exceeded")

// Analysis is the verdict returned by an external content analyzer.
type Analysis struct {
	// ThreatLevel is the analyzer's overall severity assessment.
	ThreatLevel ThreatLevel `json:"threat_level"`

	// Threats names the individual threats found, if any.
	Threats []string `json:"threats,omitempty"`

	// SensitiveData reports whether the content carries sensitive data.
	SensitiveData bool `json:"sensitive_data"`

	// Confidence is the analyzer's confidence in the verdict (0..1].
	Confidence float64 `json:"confidence"`

	// Detail carries optional per-analysis-type findings.
	Detail map[string]string `json:"detail,omitempty"`
}

// ContentAnalyzer is the contract for an external (local-process or
// remote-API) content classifier. Implementations must degrade to an error
// result under load or outage, never panic.
type ContentAnalyzer interface {
	// AnalyzeContent classifies the text for the requested analysis types.
	AnalyzeContent(ctx context.Context, text string, analysisTypes []string, meta map[string]string) (*Analysis, error)

	// Available reports whether the analyzer can currently serve requests.
	Available() bool
}

// RateLimiter is a token bucket that refills at a steady rate up to a burst
// cap. It throttles calls to an external analyzer.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	lastTime time.Time

	// Rate is the number of requests permitted per second.
	Rate float64

	// Burst is the maximum number of requests in a single burst.
	Burst int
}

// NewRateLimiter creates a token-bucket limiter.
// rate is requests/second, burst is the max tokens that can accumulate.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:   float64(burst),
		lastTime: time.Now(),
		Rate:     rate,
		Burst:    burst,
	}
}

// Allow consumes one token if available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastTime).Seconds()
	rl.tokens += elapsed * rl.Rate
	if rl.tokens > float64(rl.Burst) {
		rl.tokens = float64(rl.Burst)
	}
	rl.lastTime = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}

	return false
}

// ThrottledAnalyzer wraps a ContentAnalyzer with a rate limit. Calls beyond
// the budget fail fast with ErrRateLimited.
type ThrottledAnalyzer struct {
	Inner   ContentAnalyzer
	Limiter *RateLimiter
}

// NewThrottledAnalyzer wraps the analyzer with a token-bucket rate limit.
func NewThrottledAnalyzer(inner ContentAnalyzer, rate float64, burst int) *ThrottledAnalyzer {
	return &ThrottledAnalyzer{
		Inner:   inner,
		Limiter: NewRateLimiter(rate, burst),
	}
}

// AnalyzeContent implements ContentAnalyzer.
func (t *ThrottledAnalyzer) AnalyzeContent(ctx context.Context, text string, analysisTypes []string, meta map[string]string) (*Analysis, error) {
	if !t.Limiter.Allow() {
		return nil, ErrRateLimited
	}
	return t.Inner.AnalyzeContent(ctx, text, analysisTypes, meta)
}

// Available implements ContentAnalyzer.
func (t *ThrottledAnalyzer) Available() bool {
	return t.Inner.Available()
}

// AnalyzerStage adapts a ContentAnalyzer into a pipeline stage. Analyzer
// errors (including rate limiting) yield zero detections for the buffer;
// the remaining pipeline stages are unaffected.
type AnalyzerStage struct {
	Analyzer ContentAnalyzer

	// AnalysisTypes requested from the analyzer on every call.
	AnalysisTypes []string

	// Timeout bounds each analyzer call. Defaults to 5 seconds.
	Timeout time.Duration

	// Logger for skipped-stage events.
	Logger *slog.Logger
}

// NewAnalyzerStage creates a stage delegating to the given analyzer.
func NewAnalyzerStage(analyzer ContentAnalyzer, analysisTypes []string) *AnalyzerStage {
	return &AnalyzerStage{
		Analyzer:      analyzer,
		AnalysisTypes: analysisTypes,
		Timeout:       5 * time.Second,
		Logger:        slog.Default(),
	}
}

// Name implements Stage.
func (s *AnalyzerStage) Name() string { return "analyzer" }

// Inspect implements Stage.
func (s *AnalyzerStage) Inspect(data []byte, meta *ConnMeta) []Detection {
	if s.Analyzer == nil || !s.Analyzer.Available() {
		return nil
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	md := map[string]string{}
	if meta != nil {
		md["connection_id"] = meta.ID
		md["client"] = meta.ClientAddr
		md["host"] = meta.Host
		md["protocol"] = meta.Protocol
	}

	analysis, err := s.Analyzer.AnalyzeContent(ctx, string(data), s.AnalysisTypes, md)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			s.Logger.Debug("analyzer stage skipped", "reason", "rate limited")
		} else {
			s.Logger.Warn("analyzer stage failed", "error", err)
		}
		return nil
	}
	if analysis == nil {
		return nil
	}

	var dets []Detection
	for _, threat := range analysis.Threats {
		dets = append(dets, Detection{
			Category:   CategoryAnalyzer,
			Type:       threat,
			Severity:   analysis.ThreatLevel,
			Confidence: analysis.Confidence,
			Matches:    1,
		})
	}
	if len(dets) == 0 && analysis.SensitiveData {
		dets = append(dets, Detection{
			Category:   CategoryAnalyzer,
			Type:       "sensitive_content",
			Severity:   analysis.ThreatLevel,
			Confidence: analysis.Confidence,
			Matches:    1,
		})
	}

	return dets
}
