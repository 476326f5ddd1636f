package cfw

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.MaxConnections != 1000 {
		t.Errorf("MaxConnections = %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.BufferSize != 4096 {
		t.Errorf("BufferSize = %d", cfg.Server.BufferSize)
	}
	if cfg.Response.Strategy != "steganography" {
		t.Errorf("Strategy = %q", cfg.Response.Strategy)
	}
	if cfg.ThreatLog.MaxSize != "50MB" {
		t.Errorf("MaxSize = %q", cfg.ThreatLog.MaxSize)
	}
}

func TestLoadConfigFromReader(t *testing.T) {
	yaml := []byte(`
server:
  addr: ":9999"
  max_connections: 50
  read_timeout: 10s

response:
  strategy: "block"
  enabled: true

risk:
  high: 5
  critical_score: 12

alerts:
  threshold: "high"

threat_log:
  max_size: "1MB"
  backup_count: 3
`)

	cfg, err := LoadConfigFromReader("yaml", yaml)
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	if cfg.Server.Addr != ":9999" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.MaxConnections != 50 {
		t.Errorf("MaxConnections = %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("ReadTimeout = %v", cfg.Server.ReadTimeout)
	}
	// Unset values fall back to defaults.
	if cfg.Server.DialTimeout != 10*time.Second {
		t.Errorf("DialTimeout = %v, want default", cfg.Server.DialTimeout)
	}
	if cfg.Response.Strategy != "block" {
		t.Errorf("Strategy = %q", cfg.Response.Strategy)
	}
	if cfg.Risk.High != 5 {
		t.Errorf("Risk.High = %v", cfg.Risk.High)
	}
	if cfg.Risk.HighScore != 5 {
		t.Errorf("Risk.HighScore = %v, want default", cfg.Risk.HighScore)
	}
	if cfg.ThreatLog.BackupCount != 3 {
		t.Errorf("BackupCount = %d", cfg.ThreatLog.BackupCount)
	}
}

func TestBuildPolicyConfig(t *testing.T) {
	yaml := []byte(`
response:
  strategy: "block"
  enabled: false
  replacements:
    credit_card: "XXXX"
  block_message: "nope"

alerts:
  threshold: "high"

risk:
  high: 4
`)

	cfg, err := LoadConfigFromReader("yaml", yaml)
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	pc := cfg.BuildPolicyConfig()
	if pc.Strategy != StrategyBlock {
		t.Errorf("Strategy = %v", pc.Strategy)
	}
	if pc.StrategyEnabled {
		t.Error("StrategyEnabled = true, want false")
	}
	if pc.Replacements["credit_card"] != "XXXX" {
		t.Errorf("replacement = %q", pc.Replacements["credit_card"])
	}
	if pc.BlockMessage != "nope" {
		t.Errorf("BlockMessage = %q", pc.BlockMessage)
	}
	if pc.AlertThreshold != LevelHigh {
		t.Errorf("AlertThreshold = %q", pc.AlertThreshold)
	}
	if pc.Weights.High != 4 {
		t.Errorf("Weights.High = %v", pc.Weights.High)
	}
}

func TestBuildAnalyzerStage(t *testing.T) {
	yaml := []byte(`
analyzer:
  enabled: true
  analysis_types: ["threat", "sensitive_data"]
  rate: 2.5
  burst: 3
  timeout: 10s
`)

	cfg, err := LoadConfigFromReader("yaml", yaml)
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	backend := &fakeAnalyzer{available: true}
	stage := cfg.BuildAnalyzerStage(backend)
	if stage == nil {
		t.Fatal("stage = nil with enabled config and a backend")
	}
	if len(stage.AnalysisTypes) != 2 || stage.AnalysisTypes[0] != "threat" {
		t.Errorf("AnalysisTypes = %v", stage.AnalysisTypes)
	}
	if stage.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v", stage.Timeout)
	}

	throttled, ok := stage.Analyzer.(*ThrottledAnalyzer)
	if !ok {
		t.Fatalf("Analyzer = %T, want *ThrottledAnalyzer", stage.Analyzer)
	}
	if throttled.Limiter.Rate != 2.5 || throttled.Limiter.Burst != 3 {
		t.Errorf("limiter = %v/s burst %d, want 2.5/s burst 3",
			throttled.Limiter.Rate, throttled.Limiter.Burst)
	}

	if stage := cfg.BuildAnalyzerStage(nil); stage != nil {
		t.Error("stage built without a backend")
	}

	cfg.Analyzer.Enabled = false
	if stage := cfg.BuildAnalyzerStage(backend); stage != nil {
		t.Error("stage built while disabled")
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"50MB", 50 << 20},
		{"1GB", 1 << 30},
		{"512KB", 512 << 10},
		{"100B", 100},
		{"1024", 1024},
		{"2 MB", 2 << 20},
		{"", 0},
	}

	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if err != nil {
			t.Errorf("parseSize(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	if _, err := parseSize("lots"); err == nil {
		t.Error("expected error for non-numeric size")
	}
}

func TestBuildRuleLoaderInlineRules(t *testing.T) {
	yaml := []byte(`
inspection:
  rules:
    - category: threat
      type: custom_marker
      pattern: "MARKER-[0-9]+"
      severity: high
`)

	cfg, err := LoadConfigFromReader("yaml", yaml)
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	loader, closer, err := cfg.BuildRuleLoader()
	if err != nil {
		t.Fatalf("BuildRuleLoader failed: %v", err)
	}
	defer func() { _ = closer() }()

	rules, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var found bool
	for _, r := range rules {
		if r.Type == "custom_marker" {
			found = true
			if r.Severity != LevelHigh {
				t.Errorf("severity = %q", r.Severity)
			}
		}
	}
	if !found {
		t.Error("inline rule missing from loader output")
	}
	if len(rules) <= len(DefaultRules()) {
		t.Error("built-in rules missing from loader output")
	}
}

func TestBuildRuleLoaderInvalidRule(t *testing.T) {
	yaml := []byte(`
inspection:
  rules:
    - category: threat
      type: broken
      pattern: "(["
`)

	cfg, err := LoadConfigFromReader("yaml", yaml)
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	if _, _, err := cfg.BuildRuleLoader(); err == nil {
		t.Error("expected error for invalid inline rule")
	}
}

func TestBuildRuleLoaderStageFilter(t *testing.T) {
	yaml := []byte(`
inspection:
  stages: [sensitive_data]
`)

	cfg, err := LoadConfigFromReader("yaml", yaml)
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	loader, closer, err := cfg.BuildRuleLoader()
	if err != nil {
		t.Fatalf("BuildRuleLoader failed: %v", err)
	}
	defer func() { _ = closer() }()

	rules, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(rules) == 0 {
		t.Fatal("no rules after stage filter")
	}
	for _, r := range rules {
		if r.Category != CategorySensitive {
			t.Errorf("rule %s/%s survived the stage filter", r.Category, r.Type)
		}
	}
}

func TestBuildRuleLoaderUnknownSource(t *testing.T) {
	yaml := []byte(`
inspection:
  sources:
    - type: carrier_pigeon
`)

	cfg, err := LoadConfigFromReader("yaml", yaml)
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	if _, _, err := cfg.BuildRuleLoader(); err == nil {
		t.Error("expected error for unknown source type")
	}
}

func TestWriteExampleConfigIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfw.yaml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read example config: %v", err)
	}

	cfg, err := LoadConfigFromReader("yaml", data)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Response.Strategy != "steganography" {
		t.Errorf("Strategy = %q", cfg.Response.Strategy)
	}

	// The example's inline rule must be valid.
	if _, _, err := cfg.BuildRuleLoader(); err != nil {
		t.Errorf("example inline rules invalid: %v", err)
	}
}
