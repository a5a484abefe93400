// Package config loads gateway configuration from a YAML file overlaid with
// TOLLGATE_ environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tollgate-ai/tollgate/internal/cost"
	"github.com/tollgate-ai/tollgate/internal/mcp"
	"github.com/tollgate-ai/tollgate/internal/rules"
	"github.com/tollgate-ai/tollgate/internal/trust"
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Storage      StorageConfig      `koanf:"storage"`
	Providers    []ProviderConfig   `koanf:"providers"`
	MCPServers   []mcp.ServerConfig `koanf:"mcp_servers"`
	ToolPolicies []ToolPolicyConfig `koanf:"tool_policies"`
	Rules        []RuleConfig       `koanf:"rules"`
	Agents       []AgentConfig      `koanf:"agents"`
	Tokens       []TokenConfig      `koanf:"tokens"`

	// Prices overrides or extends the built-in model price table.
	Prices map[string]cost.Price `koanf:"prices"`

	// RuleCacheTTL bounds how stale cached optimization rules may be.
	RuleCacheTTL time.Duration `koanf:"rule_cache_ttl"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type ProviderConfig struct {
	Name    string `koanf:"name"`
	Type    string `koanf:"type"` // openai, anthropic
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Default bool   `koanf:"default"`
}

// ToolPolicyConfig mirrors trust.ToolPolicy with koanf tags. An empty Tool
// applies the entry server-wide.
type ToolPolicyConfig struct {
	Server               string `koanf:"server"`
	Tool                 string `koanf:"tool"`
	DataTrustedByDefault bool   `koanf:"data_trusted_by_default"`
	Sanitized            bool   `koanf:"sanitized"`
	AllowWhenUntrusted   bool   `koanf:"allow_when_untrusted"`
}

// ToolPolicy converts the entry to its trust-package form.
func (c ToolPolicyConfig) ToolPolicy() trust.ToolPolicy {
	return trust.ToolPolicy{
		Server:               c.Server,
		Tool:                 c.Tool,
		DataTrustedByDefault: c.DataTrustedByDefault,
		Sanitized:            c.Sanitized,
		AllowWhenUntrusted:   c.AllowWhenUntrusted,
	}
}

// RuleConfig is a configuration-defined optimization rule. MaxLength and
// HasTools are mutually exclusive, matching the rule type.
type RuleConfig struct {
	ID          string `koanf:"id"`
	EntityType  string `koanf:"entity_type"`
	EntityID    string `koanf:"entity_id"`
	RuleType    string `koanf:"rule_type"`
	MaxLength   *int   `koanf:"max_length"`
	HasTools    *bool  `koanf:"has_tools"`
	Provider    string `koanf:"provider"`
	TargetModel string `koanf:"target_model"`
	Enabled     bool   `koanf:"enabled"`
}

// Rule converts the entry to its rules-package form.
func (c RuleConfig) Rule() rules.OptimizationRule {
	return rules.OptimizationRule{
		ID:          c.ID,
		EntityType:  rules.EntityType(c.EntityType),
		EntityID:    c.EntityID,
		RuleType:    rules.RuleType(c.RuleType),
		Conditions:  rules.Conditions{MaxLength: c.MaxLength, HasTools: c.HasTools},
		Provider:    c.Provider,
		TargetModel: c.TargetModel,
		Enabled:     c.Enabled,
	}
}

// AgentConfig maps an API key to a calling agent. KeyHash is the hex SHA-256
// of the key; raw keys never live in configuration.
type AgentConfig struct {
	ID             string `koanf:"id"`
	KeyHash        string `koanf:"key_hash"`
	OrganizationID string `koanf:"organization_id"`
	TeamID         string `koanf:"team_id"`
	Email          string `koanf:"email"`

	// PinnedTokens maps catalog IDs to explicitly chosen token IDs.
	PinnedTokens map[string]string `koanf:"pinned_tokens"`
}

// TokenConfig is a configuration-defined MCP credential, for deployments
// that do not manage tokens in the database.
type TokenConfig struct {
	ID         string `koanf:"id"`
	CatalogID  string `koanf:"catalog_id"`
	AuthType   string `koanf:"auth_type"` // team, personal
	OwnerEmail string `koanf:"owner_email"`
	TeamName   string `koanf:"team_name"`
	Secret     string `koanf:"secret"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the config file at path (default config.yaml) if it exists,
// then overlays TOLLGATE_ environment variables, with "__" standing in for
// nesting. Secrets may reference environment variables as ${VAR}.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("TOLLGATE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "TOLLGATE_")), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("server.request_timeout") {
		k.Set("server.request_timeout", "120s")
	}
	if !k.Exists("storage.type") {
		k.Set("storage.type", "sqlite")
	}
	if !k.Exists("storage.sqlite.path") {
		k.Set("storage.sqlite.path", "tollgate.db")
	}
	if !k.Exists("rule_cache_ttl") {
		k.Set("rule_cache_ttl", "30s")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = substituteEnvVars(cfg.Providers[i].APIKey)
	}
	for i := range cfg.Tokens {
		cfg.Tokens[i].Secret = substituteEnvVars(cfg.Tokens[i].Secret)
	}
	for i := range cfg.MCPServers {
		for key, value := range cfg.MCPServers[i].Headers {
			cfg.MCPServers[i].Headers[key] = substituteEnvVars(value)
		}
	}

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
