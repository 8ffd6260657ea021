// Package config loads and validates the gateway's admin configuration:
// model catalog, pricing, routing strategies, budgets, and per-tenant
// overrides. The file is YAML with ${VAR} environment substitution and is
// re-read when its modification time changes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Version      string                    `yaml:"version"`
	LastUpdated  string                    `yaml:"last_updated"`
	AdminContact string                    `yaml:"admin_contact"`
	KeyVault     KeyVaultConfig            `yaml:"key_vault"`
	Models       ModelsConfig              `yaml:"models"`
	Budget       BudgetConfig              `yaml:"budget"`
	Performance  PerformanceConfig         `yaml:"performance"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Logging      LoggingConfig             `yaml:"logging"`
	Analytics    AnalyticsConfig           `yaml:"analytics"`
	Tenants      map[string]TenantOverride `yaml:"tenant_overrides"`
}

type KeyVaultConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	Prefix  string `yaml:"prefix"`
}

type ModelsConfig struct {
	Definitions     []ModelDefinition `yaml:"definitions"`
	RoutingStrategy string            `yaml:"routing_strategy"`
	Strategies      []StrategyConfig  `yaml:"strategies"`
}

// ModelDefinition is immutable between config reloads.
type ModelDefinition struct {
	ID              string   `yaml:"id"`
	Provider        string   `yaml:"provider"`
	DisplayName     string   `yaml:"display_name"`
	InputCostPer1K  float64  `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64  `yaml:"output_cost_per_1k"`
	MaxTokens       int      `yaml:"max_tokens"`
	Capabilities    []string `yaml:"capabilities"`
	Active          bool     `yaml:"active"`
}

func (m ModelDefinition) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AvgCostPer1K is the scoring input for cost-efficiency ranking.
func (m ModelDefinition) AvgCostPer1K() float64 {
	return (m.InputCostPer1K + m.OutputCostPer1K) / 2
}

type StrategyConfig struct {
	Name    string         `yaml:"name"`
	Rules   []RuleConfig   `yaml:"rules"`
	ABTests []ABTestConfig `yaml:"ab_tests"`
}

// RuleConfig is one condition -> candidate-models entry. The condition is a
// closed set of typed fields rather than a parsed expression string; exactly
// one of the fields should be set, and an empty When matches everything.
type RuleConfig struct {
	When   ConditionConfig `yaml:"when"`
	Models []string        `yaml:"models"`
}

type ConditionConfig struct {
	TaskType         string `yaml:"task_type,omitempty"`
	Priority         string `yaml:"priority,omitempty"`
	PromptLongerThan int    `yaml:"prompt_longer_than,omitempty"`
}

type ABTestConfig struct {
	Name    string         `yaml:"name"`
	Enabled bool           `yaml:"enabled"`
	Splits  []TrafficSplit `yaml:"traffic_splits"`
}

type TrafficSplit struct {
	Model   string `yaml:"model"`
	Percent int    `yaml:"percent"`
}

type BudgetConfig struct {
	DefaultDailyLimitUSD   float64  `yaml:"default_daily_limit_usd"`
	DefaultMonthlyLimitUSD float64  `yaml:"default_monthly_limit_usd"`
	MaxRequestCostUSD      *float64 `yaml:"max_request_cost_usd,omitempty"`
	WarningThreshold       float64  `yaml:"warning_threshold"`
	CriticalThreshold      float64  `yaml:"critical_threshold"`
}

type PerformanceConfig struct {
	CacheTTLSeconds        int `yaml:"cache_ttl_seconds"`
	CacheMaxEntryBytes     int `yaml:"cache_max_entry_bytes"`
	MaxConcurrentPerModel  int `yaml:"max_concurrent_per_model"`
	SlowResponseMs         int `yaml:"slow_response_ms"`
	UsageLogBatchSize      int `yaml:"usage_log_batch_size"`
	UsageLogFlushSeconds   int `yaml:"usage_log_flush_seconds"`
	AnalyticsRetentionHour int `yaml:"analytics_retention_hours"`
}

type ProviderConfig struct {
	APIKey                 string  `yaml:"api_key"`
	BaseURL                string  `yaml:"base_url"`
	SecretName             string  `yaml:"secret_name"`
	DefaultInputCostPer1K  float64 `yaml:"default_input_cost_per_1k"`
	DefaultOutputCostPer1K float64 `yaml:"default_output_cost_per_1k"`
	FailureThreshold       int     `yaml:"failure_threshold"`
	SuccessThreshold       int     `yaml:"success_threshold"`
	RecoveryTimeoutSeconds int     `yaml:"recovery_timeout_seconds"`
	RequestTimeoutSeconds  int     `yaml:"request_timeout_seconds"`
	MaxRetries             int     `yaml:"max_retries"`
}

func (p ProviderConfig) RecoveryTimeout() time.Duration {
	return time.Duration(p.RecoveryTimeoutSeconds) * time.Second
}

func (p ProviderConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	HashPrompts   bool   `yaml:"hash_prompts"`
	RetentionDays int    `yaml:"retention_days"`
}

type AnalyticsConfig struct {
	Enabled        bool `yaml:"enabled"`
	RetentionHours int  `yaml:"retention_hours"`
}

// TenantOverride is the per-tenant block deep-merged onto the base config.
type TenantOverride struct {
	Budget          *BudgetOverride `yaml:"budget,omitempty"`
	RoutingStrategy string          `yaml:"routing_strategy,omitempty"`
	AllowedModels   []string        `yaml:"allowed_models,omitempty"`
}

type BudgetOverride struct {
	DailyLimitUSD     *float64 `yaml:"daily_limit_usd,omitempty"`
	MonthlyLimitUSD   *float64 `yaml:"monthly_limit_usd,omitempty"`
	MaxRequestCostUSD *float64 `yaml:"max_request_cost_usd,omitempty"`
}

// TenantView is the merged per-tenant configuration, computed once per reload.
type TenantView struct {
	TenantID        string
	Budget          BudgetConfig
	RoutingStrategy string
	AllowedModels   []string
}

func (v *TenantView) AllowsModel(modelID string) bool {
	if len(v.AllowedModels) == 0 {
		return true
	}
	for _, m := range v.AllowedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

// Manager owns the lifetime of model definitions and routing strategies.
// Load serves a cached config until the file's mtime changes.
type Manager struct {
	path string

	mu          sync.RWMutex
	cfg         *Config
	modTime     time.Time
	models      map[string]ModelDefinition
	strategies  map[string]StrategyConfig
	tenantViews map[string]*TenantView
	defaultView *TenantView
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Load returns the current configuration, re-reading the file only when its
// modification time changed or force is set.
func (m *Manager) Load(force bool) (*Config, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return nil, domain.NewConfigurationError("config file %s: %v", m.path, err)
	}

	m.mu.RLock()
	cached := m.cfg
	cachedMod := m.modTime
	m.mu.RUnlock()

	if cached != nil && !force && info.ModTime().Equal(cachedMod) {
		return cached, nil
	}

	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, domain.NewConfigurationError("read config file %s: %v", m.path, err)
	}

	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.modTime = info.ModTime()
	m.index(cfg)

	slog.Info("configuration loaded",
		"path", m.path,
		"version", cfg.Version,
		"models", len(cfg.Models.Definitions),
		"strategies", len(cfg.Models.Strategies),
		"tenant_overrides", len(cfg.Tenants),
	)

	return cfg, nil
}

// Parse decodes, substitutes environment variables, defaults, and validates a
// raw YAML document.
func Parse(raw []byte) (*Config, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, domain.NewConfigurationError("malformed YAML: %v", err)
	}

	generic = substituteEnv(generic)

	resolved, err := yaml.Marshal(generic)
	if err != nil {
		return nil, domain.NewConfigurationError("re-encode config: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(resolved, &cfg); err != nil {
		return nil, domain.NewConfigurationError("decode config: %v", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// substituteEnv replaces string values of the exact form ${VAR} anywhere in
// the document. Unset variables leave the literal string in place.
func substituteEnv(node any) any {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			v[k] = substituteEnv(child)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = substituteEnv(child)
		}
		return v
	case string:
		if match := envVarPattern.FindStringSubmatch(v); match != nil {
			if val, ok := os.LookupEnv(match[1]); ok {
				return val
			}
		}
		return v
	default:
		return node
	}
}

func (c *Config) applyDefaults() {
	if c.Budget.WarningThreshold == 0 {
		c.Budget.WarningThreshold = 0.8
	}
	if c.Budget.CriticalThreshold == 0 {
		c.Budget.CriticalThreshold = 0.95
	}
	if c.Performance.CacheTTLSeconds == 0 {
		c.Performance.CacheTTLSeconds = 300
	}
	if c.Performance.CacheMaxEntryBytes == 0 {
		c.Performance.CacheMaxEntryBytes = 256 * 1024
	}
	if c.Performance.MaxConcurrentPerModel == 0 {
		c.Performance.MaxConcurrentPerModel = 50
	}
	if c.Performance.SlowResponseMs == 0 {
		c.Performance.SlowResponseMs = 10000
	}
	if c.Performance.UsageLogBatchSize == 0 {
		c.Performance.UsageLogBatchSize = 50
	}
	if c.Performance.UsageLogFlushSeconds == 0 {
		c.Performance.UsageLogFlushSeconds = 10
	}
	if c.Performance.AnalyticsRetentionHour == 0 {
		c.Performance.AnalyticsRetentionHour = 24
	}

	for name, p := range c.Providers {
		if p.FailureThreshold == 0 {
			p.FailureThreshold = 5
		}
		if p.SuccessThreshold == 0 {
			p.SuccessThreshold = 2
		}
		if p.RecoveryTimeoutSeconds == 0 {
			p.RecoveryTimeoutSeconds = 60
		}
		if p.RequestTimeoutSeconds == 0 {
			p.RequestTimeoutSeconds = 30
		}
		c.Providers[name] = p
	}
}

func (c *Config) validate() error {
	if len(c.Models.Definitions) == 0 {
		return domain.NewConfigurationError("no model definitions")
	}

	modelIDs := make(map[string]bool, len(c.Models.Definitions))
	for _, def := range c.Models.Definitions {
		if def.ID == "" {
			return domain.NewConfigurationError("model definition missing id")
		}
		if modelIDs[def.ID] {
			return domain.NewConfigurationError("duplicate model id %q", def.ID)
		}
		if _, ok := domain.ParseProvider(def.Provider); !ok {
			return domain.NewConfigurationError("model %q references unknown provider %q", def.ID, def.Provider)
		}
		modelIDs[def.ID] = true
	}

	strategyNames := make(map[string]bool, len(c.Models.Strategies))
	for _, s := range c.Models.Strategies {
		if s.Name == "" {
			return domain.NewConfigurationError("routing strategy missing name")
		}
		if strategyNames[s.Name] {
			return domain.NewConfigurationError("duplicate routing strategy %q", s.Name)
		}
		strategyNames[s.Name] = true

		for _, rule := range s.Rules {
			if len(rule.Models) == 0 {
				return domain.NewConfigurationError("strategy %q has a rule with no candidate models", s.Name)
			}
			for _, id := range rule.Models {
				if !modelIDs[id] {
					return domain.NewConfigurationError("strategy %q rule references unknown model %q", s.Name, id)
				}
			}
		}

		for _, test := range s.ABTests {
			total := 0
			for _, split := range test.Splits {
				if !modelIDs[split.Model] {
					return domain.NewConfigurationError("ab test %q references unknown model %q", test.Name, split.Model)
				}
				total += split.Percent
			}
			if total > 100 {
				return domain.NewConfigurationError("ab test %q traffic splits exceed 100%%", test.Name)
			}
		}
	}

	if c.Models.RoutingStrategy != "" && !strategyNames[c.Models.RoutingStrategy] {
		return domain.NewConfigurationError("default routing strategy %q not defined", c.Models.RoutingStrategy)
	}

	for tenantID, override := range c.Tenants {
		if override.RoutingStrategy != "" && !strategyNames[override.RoutingStrategy] {
			return domain.NewConfigurationError("tenant %q override references unknown strategy %q", tenantID, override.RoutingStrategy)
		}
		for _, id := range override.AllowedModels {
			if !modelIDs[id] {
				return domain.NewConfigurationError("tenant %q override references unknown model %q", tenantID, id)
			}
		}
	}

	return nil
}

// index rebuilds the lookup maps and per-tenant merged views. Called under the
// write lock after every successful reload, so override merging happens once
// per reload rather than per request.
func (m *Manager) index(cfg *Config) {
	m.models = make(map[string]ModelDefinition, len(cfg.Models.Definitions))
	for _, def := range cfg.Models.Definitions {
		m.models[def.ID] = def
	}

	m.strategies = make(map[string]StrategyConfig, len(cfg.Models.Strategies))
	for _, s := range cfg.Models.Strategies {
		m.strategies[s.Name] = s
	}

	m.defaultView = &TenantView{
		Budget:          cfg.Budget,
		RoutingStrategy: cfg.Models.RoutingStrategy,
	}

	m.tenantViews = make(map[string]*TenantView, len(cfg.Tenants))
	for tenantID, override := range cfg.Tenants {
		view := &TenantView{
			TenantID:        tenantID,
			Budget:          cfg.Budget,
			RoutingStrategy: cfg.Models.RoutingStrategy,
			AllowedModels:   override.AllowedModels,
		}
		if override.RoutingStrategy != "" {
			view.RoutingStrategy = override.RoutingStrategy
		}
		if b := override.Budget; b != nil {
			if b.DailyLimitUSD != nil {
				view.Budget.DefaultDailyLimitUSD = *b.DailyLimitUSD
			}
			if b.MonthlyLimitUSD != nil {
				view.Budget.DefaultMonthlyLimitUSD = *b.MonthlyLimitUSD
			}
			if b.MaxRequestCostUSD != nil {
				view.Budget.MaxRequestCostUSD = b.MaxRequestCostUSD
			}
		}
		m.tenantViews[tenantID] = view
	}
}

func (m *Manager) ensureLoaded() error {
	m.mu.RLock()
	loaded := m.cfg != nil
	m.mu.RUnlock()
	if loaded {
		return nil
	}
	_, err := m.Load(false)
	return err
}

// ModelDefinitions returns all configured models in definition order.
func (m *Manager) ModelDefinitions() ([]ModelDefinition, error) {
	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	defs := make([]ModelDefinition, len(m.cfg.Models.Definitions))
	copy(defs, m.cfg.Models.Definitions)
	return defs, nil
}

func (m *Manager) Model(id string) (ModelDefinition, error) {
	if err := m.ensureLoaded(); err != nil {
		return ModelDefinition{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.models[id]
	if !ok {
		return ModelDefinition{}, domain.NewConfigurationError("model %q not defined", id)
	}
	return def, nil
}

func (m *Manager) Strategy(name string) (StrategyConfig, error) {
	if err := m.ensureLoaded(); err != nil {
		return StrategyConfig{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[name]
	if !ok {
		return StrategyConfig{}, domain.NewConfigurationError("routing strategy %q not defined", name)
	}
	return s, nil
}

func (m *Manager) Budget() (BudgetConfig, error) {
	if err := m.ensureLoaded(); err != nil {
		return BudgetConfig{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Budget, nil
}

func (m *Manager) Provider(name string) (ProviderConfig, error) {
	if err := m.ensureLoaded(); err != nil {
		return ProviderConfig{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.cfg.Providers[name]
	if !ok {
		return ProviderConfig{}, domain.NewConfigurationError("provider %q not configured", name)
	}
	return p, nil
}

func (m *Manager) Performance() (PerformanceConfig, error) {
	if err := m.ensureLoaded(); err != nil {
		return PerformanceConfig{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Performance, nil
}

// TenantView returns the merged configuration for a tenant. Tenants without
// an override block share the default view.
func (m *Manager) TenantView(tenantID string) (*TenantView, error) {
	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if view, ok := m.tenantViews[tenantID]; ok {
		return view, nil
	}
	return m.defaultView, nil
}

func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// String implements a compact description for health reporting.
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg == nil {
		return "config: not loaded"
	}
	return fmt.Sprintf("config: version=%s models=%d", m.cfg.Version, len(m.models))
}
