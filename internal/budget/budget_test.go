package budget

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/config"
	"github.com/voyagehq/llm-orchestrator/internal/domain"
	"github.com/voyagehq/llm-orchestrator/internal/notifications"
)

const testYAML = `
version: "1.0"
models:
  definitions:
    - id: model-a
      provider: openai
      active: true
budget:
  default_daily_limit_usd: 10.0
  default_monthly_limit_usd: 100.0
  max_request_cost_usd: 1.0
  warning_threshold: 0.8
  critical_threshold: 0.95
`

type failingStore struct{}

func (failingStore) AddUsage(context.Context, string, time.Time, float64) error {
	return errors.New("ledger down")
}
func (failingStore) DayUsage(context.Context, string, time.Time) (float64, error) {
	return 0, errors.New("ledger down")
}
func (failingStore) RangeUsage(context.Context, string, time.Time, time.Time) (float64, error) {
	return 0, errors.New("ledger down")
}

func newTestConfig(t *testing.T) *config.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := config.NewManager(path)
	if _, err := m.Load(true); err != nil {
		t.Fatalf("load config: %v", err)
	}
	return m
}

func testTenant() *domain.TenantInfo {
	return &domain.TenantInfo{ID: "acme", Name: "Acme", Active: true}
}

func TestCheck_AllowsWithinBudget(t *testing.T) {
	m := NewManager(NewInMemoryStore(), newTestConfig(t), nil, nil)

	decision := m.Check(context.Background(), testTenant(), 0.50)
	if !decision.CanProceed {
		t.Errorf("decision = %+v, want allowed", decision)
	}
}

func TestCheck_BlocksPerRequestCap(t *testing.T) {
	m := NewManager(NewInMemoryStore(), newTestConfig(t), nil, nil)

	decision := m.Check(context.Background(), testTenant(), 1.50)
	if decision.CanProceed {
		t.Fatal("request above the per-request cap should be blocked")
	}
	if !strings.Contains(decision.Reason, "per-request") {
		t.Errorf("reason = %q, want per-request mention", decision.Reason)
	}
}

func TestCheck_BlocksAtDailyLimit(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, newTestConfig(t), nil, nil)
	ctx := context.Background()
	tenant := testTenant()

	if err := store.AddUsage(ctx, tenant.ID, time.Now().UTC(), 9.80); err != nil {
		t.Fatal(err)
	}

	decision := m.Check(ctx, tenant, 0.50)
	if decision.CanProceed {
		t.Fatal("request pushing spend past the daily limit should be blocked")
	}
	if !strings.Contains(decision.Reason, "daily") {
		t.Errorf("reason = %q, want daily budget mention", decision.Reason)
	}
}

func TestCheck_TenantLimitOverridesConfig(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, newTestConfig(t), nil, nil)
	ctx := context.Background()

	tenant := testTenant()
	tenant.DailyBudgetUSD = 50.0

	if err := store.AddUsage(ctx, tenant.ID, time.Now().UTC(), 20.0); err != nil {
		t.Fatal(err)
	}

	// 20 spent is over the config default of 10 but under the tenant's own 50.
	if decision := m.Check(ctx, tenant, 0.50); !decision.CanProceed {
		t.Errorf("decision = %+v, want allowed under tenant limit", decision)
	}
}

func TestCheck_FailsOpenOnStoreError(t *testing.T) {
	m := NewManager(failingStore{}, newTestConfig(t), nil, nil)

	decision := m.Check(context.Background(), testTenant(), 0.50)
	if !decision.CanProceed {
		t.Error("ledger outage must not block requests")
	}
}

func TestRecordUsage_RaisesWarningAlertOnce(t *testing.T) {
	store := NewInMemoryStore()
	notifier := notifications.NewInMemoryNotifier()
	m := NewManager(store, newTestConfig(t), notifier, nil)
	ctx := context.Background()
	tenant := testTenant()

	// 8.50 of 10.00 daily crosses the 80% warning threshold.
	if err := m.RecordUsage(ctx, tenant, 8.50, "model-a"); err != nil {
		t.Fatal(err)
	}

	alerts := m.ActiveAlerts()
	if len(alerts) != 1 {
		t.Fatalf("active alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Level != AlertLevelWarning {
		t.Errorf("level = %q, want warning", alerts[0].Level)
	}

	first := len(notifier.Sent())
	if first == 0 {
		t.Fatal("warning alert should notify")
	}

	// Staying at the same level must not re-notify.
	if err := m.RecordUsage(ctx, tenant, 0.01, "model-a"); err != nil {
		t.Fatal(err)
	}
	if len(notifier.Sent()) != first {
		t.Error("repeat alert at the same level should be deduplicated")
	}
}

func TestRecordUsage_EscalatesToCritical(t *testing.T) {
	store := NewInMemoryStore()
	notifier := notifications.NewInMemoryNotifier()
	m := NewManager(store, newTestConfig(t), notifier, nil)
	ctx := context.Background()
	tenant := testTenant()

	if err := m.RecordUsage(ctx, tenant, 8.50, "model-a"); err != nil {
		t.Fatal(err)
	}
	warnings := len(notifier.Sent())

	// 9.60 of 10.00 crosses the 95% critical threshold.
	if err := m.RecordUsage(ctx, tenant, 1.10, "model-a"); err != nil {
		t.Fatal(err)
	}

	if len(notifier.Sent()) <= warnings {
		t.Error("level escalation should notify again")
	}

	found := false
	for _, a := range m.ActiveAlerts() {
		if a.Period == "daily" && a.Level == AlertLevelCritical {
			found = true
		}
	}
	if !found {
		t.Error("expected an active daily critical alert")
	}
}

func TestRecordUsage_ExceededLevel(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, newTestConfig(t), nil, nil)
	ctx := context.Background()
	tenant := testTenant()

	if err := m.RecordUsage(ctx, tenant, 12.0, "model-a"); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, a := range m.ActiveAlerts() {
		if a.Period == "daily" && a.Level == AlertLevelExceeded {
			found = true
		}
	}
	if !found {
		t.Error("spend past the limit should raise an exceeded alert")
	}
}

func TestStatus(t *testing.T) {
	store := NewInMemoryStore()
	m := NewManager(store, newTestConfig(t), nil, nil)
	ctx := context.Background()
	tenant := testTenant()

	if err := store.AddUsage(ctx, tenant.ID, time.Now().UTC(), 2.50); err != nil {
		t.Fatal(err)
	}

	status, err := m.Status(ctx, tenant)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if status.DailyLimitUSD != 10.0 {
		t.Errorf("daily limit = %v, want 10", status.DailyLimitUSD)
	}
	if status.DailySpentUSD != 2.50 {
		t.Errorf("daily spent = %v, want 2.5", status.DailySpentUSD)
	}
	if status.DailyPercent != 25.0 {
		t.Errorf("daily percent = %v, want 25", status.DailyPercent)
	}
	if status.MonthlySpentUSD != 2.50 {
		t.Errorf("monthly spent = %v, want 2.5", status.MonthlySpentUSD)
	}
}

func TestInMemoryDeduplicator(t *testing.T) {
	d := NewInMemoryDeduplicator()
	ctx := context.Background()

	if !d.ShouldAlert(ctx, "acme|daily", AlertLevelWarning) {
		t.Error("first alert should fire")
	}
	if d.ShouldAlert(ctx, "acme|daily", AlertLevelWarning) {
		t.Error("repeat at same level should be suppressed")
	}
	if !d.ShouldAlert(ctx, "acme|daily", AlertLevelCritical) {
		t.Error("level change should fire")
	}

	d.ClearAlert(ctx, "acme|daily")
	if !d.ShouldAlert(ctx, "acme|daily", AlertLevelCritical) {
		t.Error("cleared alert should fire again")
	}
}

func TestInMemoryStore_RangeUsage(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	store.AddUsage(ctx, "acme", now.AddDate(0, 0, -2), 1.0)
	store.AddUsage(ctx, "acme", now.AddDate(0, 0, -1), 2.0)
	store.AddUsage(ctx, "acme", now, 3.0)
	store.AddUsage(ctx, "other", now, 99.0)

	total, err := store.RangeUsage(ctx, "acme", now.AddDate(0, 0, -1), now)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5.0 {
		t.Errorf("range total = %v, want 5", total)
	}
}
