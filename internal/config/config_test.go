package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

const minimalYAML = `
version: "1.0"
models:
  routing_strategy: default
  definitions:
    - id: model-a
      provider: openai
      input_cost_per_1k: 0.005
      output_cost_per_1k: 0.015
      active: true
    - id: model-b
      provider: gemini
      input_cost_per_1k: 0.0001
      output_cost_per_1k: 0.0004
      active: true
  strategies:
    - name: default
      rules:
        - when: {}
          models: [model-a, model-b]
budget:
  default_daily_limit_usd: 100.0
  default_monthly_limit_usd: 2000.0
tenant_overrides:
  acme:
    budget:
      daily_limit_usd: 250.0
    allowed_models: [model-a]
`

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(cfg.Models.Definitions) != 2 {
		t.Errorf("definitions = %d, want 2", len(cfg.Models.Definitions))
	}
	if cfg.Models.RoutingStrategy != "default" {
		t.Errorf("routing strategy = %q, want default", cfg.Models.RoutingStrategy)
	}
	if cfg.Budget.DefaultDailyLimitUSD != 100.0 {
		t.Errorf("daily limit = %v, want 100", cfg.Budget.DefaultDailyLimitUSD)
	}
}

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Budget.WarningThreshold != 0.8 {
		t.Errorf("warning threshold = %v, want 0.8", cfg.Budget.WarningThreshold)
	}
	if cfg.Budget.CriticalThreshold != 0.95 {
		t.Errorf("critical threshold = %v, want 0.95", cfg.Budget.CriticalThreshold)
	}
	if cfg.Performance.CacheTTLSeconds != 300 {
		t.Errorf("cache ttl = %d, want 300", cfg.Performance.CacheTTLSeconds)
	}
	if cfg.Performance.UsageLogBatchSize != 50 {
		t.Errorf("batch size = %d, want 50", cfg.Performance.UsageLogBatchSize)
	}
}

func TestParse_ProviderDefaults(t *testing.T) {
	yaml := minimalYAML + `
providers:
  openai:
    api_key: sk-test
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	p := cfg.Providers["openai"]
	if p.FailureThreshold != 5 {
		t.Errorf("failure threshold = %d, want 5", p.FailureThreshold)
	}
	if p.SuccessThreshold != 2 {
		t.Errorf("success threshold = %d, want 2", p.SuccessThreshold)
	}
	if p.RecoveryTimeoutSeconds != 60 {
		t.Errorf("recovery timeout = %d, want 60", p.RecoveryTimeoutSeconds)
	}
}

func TestParse_EnvSubstitution(t *testing.T) {
	t.Setenv("TEST_GATEWAY_KEY", "sk-from-env")

	yaml := minimalYAML + `
providers:
  openai:
    api_key: ${TEST_GATEWAY_KEY}
  gemini:
    api_key: ${TEST_GATEWAY_UNSET_KEY}
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got := cfg.Providers["openai"].APIKey; got != "sk-from-env" {
		t.Errorf("api key = %q, want value from environment", got)
	}
	// Unset variables keep the literal so the failure is visible downstream.
	if got := cfg.Providers["gemini"].APIKey; got != "${TEST_GATEWAY_UNSET_KEY}" {
		t.Errorf("api key = %q, want unexpanded literal", got)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no models", `
version: "1.0"
models:
  definitions: []
`},
		{"duplicate model id", `
models:
  definitions:
    - id: dup
      provider: openai
    - id: dup
      provider: gemini
`},
		{"unknown provider", `
models:
  definitions:
    - id: model-a
      provider: frontier-labs
`},
		{"rule references unknown model", `
models:
  definitions:
    - id: model-a
      provider: openai
  strategies:
    - name: s
      rules:
        - when: {}
          models: [no-such-model]
`},
		{"ab splits exceed 100", `
models:
  definitions:
    - id: model-a
      provider: openai
  strategies:
    - name: s
      rules:
        - when: {}
          models: [model-a]
      ab_tests:
        - name: t
          enabled: true
          traffic_splits:
            - model: model-a
              percent: 60
            - model: model-a
              percent: 60
`},
		{"default strategy undefined", `
models:
  routing_strategy: missing
  definitions:
    - id: model-a
      provider: openai
`},
		{"tenant references unknown model", `
models:
  definitions:
    - id: model-a
      provider: openai
tenant_overrides:
  acme:
    allowed_models: [no-such-model]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("error = %v, want configuration error", err)
			}
		})
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("models: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestManager_LoadAndLookups(t *testing.T) {
	m := NewManager(writeConfigFile(t, minimalYAML))

	cfg, err := m.Load(true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Version != "1.0" {
		t.Errorf("version = %q, want 1.0", cfg.Version)
	}

	def, err := m.Model("model-a")
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	if def.Provider != "openai" {
		t.Errorf("provider = %q, want openai", def.Provider)
	}

	if _, err := m.Model("no-such"); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("unknown model error = %v, want configuration error", err)
	}

	if _, err := m.Strategy("default"); err != nil {
		t.Errorf("strategy: %v", err)
	}
	if _, err := m.Strategy("missing"); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("unknown strategy error = %v, want configuration error", err)
	}
}

func TestManager_LoadCachesUntilChanged(t *testing.T) {
	m := NewManager(writeConfigFile(t, minimalYAML))

	first, err := m.Load(true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	second, err := m.Load(false)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first != second {
		t.Error("unchanged file should return the cached config")
	}
}

func TestManager_TenantViewMerging(t *testing.T) {
	m := NewManager(writeConfigFile(t, minimalYAML))
	if _, err := m.Load(true); err != nil {
		t.Fatalf("load: %v", err)
	}

	acme, err := m.TenantView("acme")
	if err != nil {
		t.Fatalf("tenant view: %v", err)
	}
	if acme.Budget.DefaultDailyLimitUSD != 250.0 {
		t.Errorf("acme daily limit = %v, want override 250", acme.Budget.DefaultDailyLimitUSD)
	}
	if acme.Budget.DefaultMonthlyLimitUSD != 2000.0 {
		t.Errorf("acme monthly limit = %v, want inherited 2000", acme.Budget.DefaultMonthlyLimitUSD)
	}
	if !acme.AllowsModel("model-a") || acme.AllowsModel("model-b") {
		t.Error("acme allowlist should permit model-a only")
	}

	other, err := m.TenantView("unknown-tenant")
	if err != nil {
		t.Fatalf("tenant view: %v", err)
	}
	if other.Budget.DefaultDailyLimitUSD != 100.0 {
		t.Errorf("default view daily limit = %v, want 100", other.Budget.DefaultDailyLimitUSD)
	}
	if !other.AllowsModel("model-b") {
		t.Error("empty allowlist should permit any model")
	}
}

func TestModelDefinition_Helpers(t *testing.T) {
	def := ModelDefinition{
		InputCostPer1K:  0.004,
		OutputCostPer1K: 0.016,
		Capabilities:    []string{"question_answering", "analysis"},
	}

	if got := def.AvgCostPer1K(); got != 0.01 {
		t.Errorf("avg cost = %v, want 0.01", got)
	}
	if !def.HasCapability("analysis") {
		t.Error("expected analysis capability")
	}
	if def.HasCapability("code_generation") {
		t.Error("unexpected code_generation capability")
	}
}
