package cfw

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DetectionRule is one pattern in the detection rule set. Rules are immutable
// after load; the rule set as a whole is replaced wholesale on reload.
type DetectionRule struct {
	// Category is one of the detection categories (protocol, threat,
	// llm_indicator, sensitive_data).
	Category string `json:"category" db:"category"`

	// Type groups rules within a category, e.g. "sql_injection" or
	// "openai_api". Detections are reported per type.
	Type string `json:"type" db:"type"`

	// Pattern is an RE2 regular expression matched against raw buffer bytes.
	Pattern string `json:"pattern" db:"pattern"`

	// Severity overrides the built-in severity table for threat rules.
	Severity ThreatLevel `json:"severity,omitempty" db:"severity"`

	// Confidence overrides the built-in confidence base for LLM rules.
	Confidence float64 `json:"confidence,omitempty" db:"confidence"`
}

// Validate checks the rule's category and compiles its pattern.
func (r DetectionRule) Validate() error {
	switch r.Category {
	case CategoryProtocol, CategoryThreat, CategoryLLM, CategorySensitive:
	default:
		return fmt.Errorf("unknown rule category: %s", r.Category)
	}
	if r.Type == "" {
		return fmt.Errorf("rule type is required")
	}
	if _, err := regexp.Compile(r.Pattern); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", r.Pattern, err)
	}
	return nil
}

// threatSeverity is the default severity per threat type.
var threatSeverity = map[string]ThreatLevel{
	"sql_injection":       LevelHigh,
	"xss":                 LevelMedium,
	"malware_signatures":  LevelCritical,
	"suspicious_commands": LevelHigh,
}

// severityForThreat returns the severity for a threat type, defaulting to low.
func severityForThreat(threatType string) ThreatLevel {
	if lvl, ok := threatSeverity[threatType]; ok {
		return lvl
	}
	return LevelLow
}

// llmBaseConfidence is the base detection confidence per LLM indicator type.
var llmBaseConfidence = map[string]float64{
	"openai_api":    0.95,
	"anthropic_api": 0.95,
	"google_ai":     0.90,
	"local_llm":     0.80,
	"ai_content":    0.70,
}

// confidenceForLLM returns the base confidence for an indicator type,
// defaulting to 0.50 for unknown types.
func confidenceForLLM(indicatorType string) float64 {
	if c, ok := llmBaseConfidence[indicatorType]; ok {
		return c
	}
	return 0.50
}

// DefaultRules returns the built-in detection rule set: protocol signatures,
// threat patterns, LLM traffic indicators, and sensitive-data shapes.
func DefaultRules() []DetectionRule {
	return []DetectionRule{
		// Protocol signatures. Order matters: the protocol stage reports the
		// first matching type.
		{Category: CategoryProtocol, Type: "http", Pattern: `(?i)GET\s+.*HTTP/1\.[01]`},
		{Category: CategoryProtocol, Type: "http", Pattern: `(?i)POST\s+.*HTTP/1\.[01]`},
		{Category: CategoryProtocol, Type: "http", Pattern: `(?i)PUT\s+.*HTTP/1\.[01]`},
		{Category: CategoryProtocol, Type: "http", Pattern: `(?i)DELETE\s+.*HTTP/1\.[01]`},
		{Category: CategoryProtocol, Type: "https", Pattern: `\x16\x03[\x00-\x03]`},
		{Category: CategoryProtocol, Type: "https", Pattern: `\x15\x03[\x00-\x03]`},
		{Category: CategoryProtocol, Type: "https", Pattern: `\x17\x03[\x00-\x03]`},
		{Category: CategoryProtocol, Type: "ftp", Pattern: `(?i)220\s+.*FTP`},
		{Category: CategoryProtocol, Type: "ftp", Pattern: `(?i)USER\s+\w+`},
		{Category: CategoryProtocol, Type: "ftp", Pattern: `(?i)PASS\s+\w+`},
		{Category: CategoryProtocol, Type: "smtp", Pattern: `(?i)220\s+.*SMTP`},
		{Category: CategoryProtocol, Type: "smtp", Pattern: `(?i)HELO\s+`},
		{Category: CategoryProtocol, Type: "smtp", Pattern: `(?i)MAIL FROM:`},
		{Category: CategoryProtocol, Type: "smtp", Pattern: `(?i)RCPT TO:`},
		{Category: CategoryProtocol, Type: "dns", Pattern: `\x01\x00\x00\x01\x00\x00\x00\x00\x00\x00`},
		{Category: CategoryProtocol, Type: "dns", Pattern: `\x81\x80\x00\x01`},

		// Threat patterns.
		{Category: CategoryThreat, Type: "sql_injection", Pattern: `(?i)(union\s+select|select\s+.*from|insert\s+into|update\s+.*set|delete\s+from)`},
		{Category: CategoryThreat, Type: "sql_injection", Pattern: `(?i)('\s*or\s*'\s*=\s*'|'\s*or\s*1\s*=\s*1)`},
		{Category: CategoryThreat, Type: "sql_injection", Pattern: `(?i)(drop\s+table|drop\s+database)`},
		{Category: CategoryThreat, Type: "xss", Pattern: `(?is)<script[^>]*>.*?</script>`},
		{Category: CategoryThreat, Type: "xss", Pattern: `(?i)javascript:`},
		{Category: CategoryThreat, Type: "xss", Pattern: `(?i)on\w+\s*=\s*["'].*?["']`},
		{Category: CategoryThreat, Type: "malware_signatures", Pattern: `X5O!P%@AP\[4\\PZX54\(P\^\)7CC\)7\}\$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!\$H\+H\*`},
		{Category: CategoryThreat, Type: "malware_signatures", Pattern: `(?i)wannacry|petya|ransomware`},
		{Category: CategoryThreat, Type: "malware_signatures", Pattern: `(?i)metasploit|meterpreter`},
		{Category: CategoryThreat, Type: "suspicious_commands", Pattern: `(?i)(cmd\.exe|powershell\.exe|bash|sh)\s+`},
		{Category: CategoryThreat, Type: "suspicious_commands", Pattern: `(?i)(wget|curl|nc|netcat)\s+`},
		{Category: CategoryThreat, Type: "suspicious_commands", Pattern: `(?i)(base64|certutil)\s+`},

		// LLM traffic indicators.
		{Category: CategoryLLM, Type: "openai_api", Pattern: `(?i)api\.openai\.com`},
		{Category: CategoryLLM, Type: "openai_api", Pattern: `(?i)Bearer\s+sk-[a-zA-Z0-9]{48}`},
		{Category: CategoryLLM, Type: "openai_api", Pattern: `(?i)"model"\s*:\s*"gpt-[34]`},
		{Category: CategoryLLM, Type: "openai_api", Pattern: `(?i)/v1/(chat/)?completions`},
		{Category: CategoryLLM, Type: "anthropic_api", Pattern: `(?i)api\.anthropic\.com`},
		{Category: CategoryLLM, Type: "anthropic_api", Pattern: `(?i)x-api-key\s*:\s*sk-ant-`},
		{Category: CategoryLLM, Type: "anthropic_api", Pattern: `(?i)"model"\s*:\s*"claude-`},
		{Category: CategoryLLM, Type: "google_ai", Pattern: `(?i)generativelanguage\.googleapis\.com`},
		{Category: CategoryLLM, Type: "google_ai", Pattern: `(?i)"model"\s*:\s*"gemini-`},
		{Category: CategoryLLM, Type: "google_ai", Pattern: `(?i)/v1beta/models/`},
		{Category: CategoryLLM, Type: "local_llm", Pattern: `(?i)ollama|llamacpp|text-generation-webui`},
		{Category: CategoryLLM, Type: "local_llm", Pattern: `(?i)localhost:[0-9]{4,5}/(api|v1)`},
		{Category: CategoryLLM, Type: "local_llm", Pattern: `(?i)"temperature"\s*:\s*[0-9.]+`},
		{Category: CategoryLLM, Type: "ai_content", Pattern: `(?is)"prompt"\s*:\s*".*?"`},
		{Category: CategoryLLM, Type: "ai_content", Pattern: `(?i)"messages"\s*:\s*\[`},
		{Category: CategoryLLM, Type: "ai_content", Pattern: `(?i)"role"\s*:\s*"(user|assistant|system)"`},
		{Category: CategoryLLM, Type: "ai_content", Pattern: `(?is)"content"\s*:\s*".*?"`},

		// Sensitive data shapes.
		{Category: CategorySensitive, Type: "credit_card", Pattern: `\b(?:\d{4}[-\s]?){3}\d{4}\b`},
		{Category: CategorySensitive, Type: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`},
		{Category: CategorySensitive, Type: "email", Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`},
		{Category: CategorySensitive, Type: "phone", Pattern: `\b\d{3}-\d{3}-\d{4}\b`},
		{Category: CategorySensitive, Type: "api_key", Pattern: `\b[A-Za-z0-9]{32,}\b`},
		{Category: CategorySensitive, Type: "jwt_token", Pattern: `\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`},
	}
}

// rulesForCategory filters the set to one category, preserving order.
func rulesForCategory(rules []DetectionRule, category string) []DetectionRule {
	var out []DetectionRule
	for _, r := range rules {
		if r.Category == category {
			out = append(out, r)
		}
	}
	return out
}

// RuleLoader loads detection rules from an external source.
type RuleLoader interface {
	// Load reads rules from the source and returns them.
	Load(ctx context.Context) ([]DetectionRule, error)
}

// RuleLoaderFunc is a function adapter for RuleLoader.
type RuleLoaderFunc func(ctx context.Context) ([]DetectionRule, error)

// Load calls the underlying function to load rules.
func (f RuleLoaderFunc) Load(ctx context.Context) ([]DetectionRule, error) {
	return f(ctx)
}

// StaticLoader returns a fixed set of rules.
type StaticLoader struct {
	Rules []DetectionRule
}

// NewStaticLoader creates a loader with a fixed set of rules.
func NewStaticLoader(rules ...DetectionRule) *StaticLoader {
	return &StaticLoader{Rules: rules}
}

// Load implements RuleLoader.
func (l *StaticLoader) Load(ctx context.Context) ([]DetectionRule, error) {
	return l.Rules, nil
}

// MultiLoader combines multiple loaders into one.
type MultiLoader struct {
	Loaders []RuleLoader
}

// NewMultiLoader creates a loader that combines rules from multiple sources.
func NewMultiLoader(loaders ...RuleLoader) *MultiLoader {
	return &MultiLoader{Loaders: loaders}
}

// Load implements RuleLoader by loading from all configured loaders.
func (m *MultiLoader) Load(ctx context.Context) ([]DetectionRule, error) {
	var all []DetectionRule

	for i, loader := range m.Loaders {
		rules, err := loader.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loader %d: %w", i, err)
		}
		all = append(all, rules...)
	}

	return all, nil
}

// PostgresLoader loads detection rules from a PostgreSQL table. The query
// must return category, type, pattern, severity, and confidence columns.
type PostgresLoader struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// Query selects the rule rows. Empty uses DefaultRuleQuery.
	Query string

	db *sqlx.DB
}

// DefaultRuleQuery selects all rule columns from the detection_rules table.
const DefaultRuleQuery = `SELECT category, type, pattern, COALESCE(severity, '') AS severity, COALESCE(confidence, 0) AS confidence FROM detection_rules`

// NewPostgresLoader creates a loader reading rules from PostgreSQL.
func NewPostgresLoader(dsn string) *PostgresLoader {
	return &PostgresLoader{DSN: dsn}
}

// Load implements RuleLoader. The connection is opened lazily on first use
// and reused across reloads.
func (l *PostgresLoader) Load(ctx context.Context) ([]DetectionRule, error) {
	if l.db == nil {
		db, err := sqlx.ConnectContext(ctx, "postgres", l.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect rule database: %w", err)
		}
		l.db = db
	}

	query := l.Query
	if query == "" {
		query = DefaultRuleQuery
	}

	var rules []DetectionRule
	if err := l.db.SelectContext(ctx, &rules, query); err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}

	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("database rule %s/%s: %w", r.Category, r.Type, err)
		}
	}

	return rules, nil
}

// Close releases the database connection.
func (l *PostgresLoader) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
