// Package budget enforces per-tenant spending ceilings and raises non-fatal
// threshold alerts. Crossing the warning or critical threshold notifies;
// crossing the absolute limit blocks new requests.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/config"
	"github.com/voyagehq/llm-orchestrator/internal/domain"
	"github.com/voyagehq/llm-orchestrator/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	TenantID   string     `json:"tenant_id"`
	Level      AlertLevel `json:"level"`
	Period     string     `json:"period"` // "daily" or "monthly"
	LimitUSD   float64    `json:"limit_usd"`
	SpentUSD   float64    `json:"spent_usd"`
	Percentage float64    `json:"percentage"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Decision is the admission verdict for one request.
type Decision struct {
	CanProceed bool   `json:"can_proceed"`
	Reason     string `json:"reason,omitempty"`
}

// Status is the read-only budget view exposed by the API.
type Status struct {
	TenantID        string  `json:"tenant_id"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
	DailySpentUSD   float64 `json:"daily_spent_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd"`
	MonthlySpentUSD float64 `json:"monthly_spent_usd"`
	DailyPercent    float64 `json:"daily_percent"`
	MonthlyPercent  float64 `json:"monthly_percent"`
}

// Manager tracks tenant spend against configured ceilings. Limits come from
// the tenant record when set, falling back to the tenant's merged config view.
type Manager struct {
	store    Store
	cfg      *config.Manager
	notifier notifications.Notifier
	dedup    AlertDeduplicator

	mu     sync.RWMutex
	active map[string]Alert // keyed tenantID + "|" + period
}

func NewManager(store Store, cfg *config.Manager, notifier notifications.Notifier, dedup AlertDeduplicator) *Manager {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		dedup:    dedup,
		active:   make(map[string]Alert),
	}
}

// Check decides whether a request with the given estimated cost may proceed.
// Ledger read errors fail open with a logged warning: budget enforcement must
// not take the gateway down with it.
func (m *Manager) Check(ctx context.Context, tenant *domain.TenantInfo, estimatedCost float64) Decision {
	view, err := m.cfg.TenantView(tenant.ID)
	if err != nil {
		slog.Warn("budget check: no tenant view, failing open", "tenant_id", tenant.ID, "error", err)
		return Decision{CanProceed: true}
	}

	if maxPer := view.Budget.MaxRequestCostUSD; maxPer != nil && estimatedCost > *maxPer {
		return Decision{
			CanProceed: false,
			Reason:     fmt.Sprintf("estimated cost $%.4f exceeds per-request limit $%.4f", estimatedCost, *maxPer),
		}
	}

	dailyLimit, monthlyLimit := m.limits(tenant, view)
	now := time.Now().UTC()

	if dailyLimit > 0 {
		spent, err := m.store.DayUsage(ctx, tenant.ID, now)
		if err != nil {
			slog.Warn("budget check: day usage unavailable, failing open", "tenant_id", tenant.ID, "error", err)
			return Decision{CanProceed: true}
		}
		if spent+estimatedCost > dailyLimit {
			return Decision{
				CanProceed: false,
				Reason:     fmt.Sprintf("daily budget exhausted: spent $%.4f of $%.2f", spent, dailyLimit),
			}
		}
	}

	if monthlyLimit > 0 {
		spent, err := m.store.RangeUsage(ctx, tenant.ID, startOfMonth(now), now)
		if err != nil {
			slog.Warn("budget check: month usage unavailable, failing open", "tenant_id", tenant.ID, "error", err)
			return Decision{CanProceed: true}
		}
		if spent+estimatedCost > monthlyLimit {
			return Decision{
				CanProceed: false,
				Reason:     fmt.Sprintf("monthly budget exhausted: spent $%.4f of $%.2f", spent, monthlyLimit),
			}
		}
	}

	return Decision{CanProceed: true}
}

// RecordUsage adds actual spend to the ledger and evaluates alert thresholds.
func (m *Manager) RecordUsage(ctx context.Context, tenant *domain.TenantInfo, actualCost float64, modelUsed string) error {
	now := time.Now().UTC()
	if err := m.store.AddUsage(ctx, tenant.ID, now, actualCost); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	slog.Debug("budget usage recorded",
		"tenant_id", tenant.ID,
		"cost_usd", actualCost,
		"model", modelUsed,
	)

	m.evaluateAlerts(ctx, tenant, now)
	return nil
}

// Status reports current spend against limits for the observability API.
func (m *Manager) Status(ctx context.Context, tenant *domain.TenantInfo) (Status, error) {
	view, err := m.cfg.TenantView(tenant.ID)
	if err != nil {
		return Status{}, err
	}

	dailyLimit, monthlyLimit := m.limits(tenant, view)
	now := time.Now().UTC()

	daySpent, err := m.store.DayUsage(ctx, tenant.ID, now)
	if err != nil {
		return Status{}, err
	}
	monthSpent, err := m.store.RangeUsage(ctx, tenant.ID, startOfMonth(now), now)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		TenantID:        tenant.ID,
		DailyLimitUSD:   dailyLimit,
		DailySpentUSD:   daySpent,
		MonthlyLimitUSD: monthlyLimit,
		MonthlySpentUSD: monthSpent,
	}
	if dailyLimit > 0 {
		status.DailyPercent = daySpent / dailyLimit * 100
	}
	if monthlyLimit > 0 {
		status.MonthlyPercent = monthSpent / monthlyLimit * 100
	}
	return status, nil
}

// ActiveAlerts returns alerts currently in effect, for health reporting.
func (m *Manager) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		alerts = append(alerts, a)
	}
	return alerts
}

func (m *Manager) limits(tenant *domain.TenantInfo, view *config.TenantView) (daily, monthly float64) {
	daily = tenant.DailyBudgetUSD
	if daily <= 0 {
		daily = view.Budget.DefaultDailyLimitUSD
	}
	monthly = tenant.MonthlyBudgetUSD
	if monthly <= 0 {
		monthly = view.Budget.DefaultMonthlyLimitUSD
	}
	return daily, monthly
}

func (m *Manager) evaluateAlerts(ctx context.Context, tenant *domain.TenantInfo, now time.Time) {
	view, err := m.cfg.TenantView(tenant.ID)
	if err != nil {
		return
	}
	dailyLimit, monthlyLimit := m.limits(tenant, view)

	if dailyLimit > 0 {
		spent, err := m.store.DayUsage(ctx, tenant.ID, now)
		if err == nil {
			m.checkThreshold(ctx, tenant.ID, "daily", spent, dailyLimit, view.Budget)
		}
	}
	if monthlyLimit > 0 {
		spent, err := m.store.RangeUsage(ctx, tenant.ID, startOfMonth(now), now)
		if err == nil {
			m.checkThreshold(ctx, tenant.ID, "monthly", spent, monthlyLimit, view.Budget)
		}
	}
}

func (m *Manager) checkThreshold(ctx context.Context, tenantID, period string, spent, limit float64, budgetCfg config.BudgetConfig) {
	percentage := spent / limit
	key := tenantID + "|" + period

	var level AlertLevel
	switch {
	case percentage >= 1.0:
		level = AlertLevelExceeded
	case percentage >= budgetCfg.CriticalThreshold:
		level = AlertLevelCritical
	case percentage >= budgetCfg.WarningThreshold:
		level = AlertLevelWarning
	default:
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		m.dedup.ClearAlert(ctx, key)
		return
	}

	alert := Alert{
		TenantID:   tenantID,
		Level:      level,
		Period:     period,
		LimitUSD:   limit,
		SpentUSD:   spent,
		Percentage: percentage * 100,
		Timestamp:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.active[key] = alert
	m.mu.Unlock()

	if !m.dedup.ShouldAlert(ctx, key, level) {
		return
	}

	slog.Warn("budget alert",
		"tenant_id", tenantID,
		"level", level,
		"period", period,
		"spent_usd", spent,
		"limit_usd", limit,
		"percentage", alert.Percentage,
	)

	if m.notifier != nil {
		notification := notifications.Notification{
			Type:     notificationType(level),
			TenantID: tenantID,
			Message:  fmt.Sprintf("tenant %s at %.1f%% of %s budget", tenantID, alert.Percentage, period),
			Data: map[string]any{
				"period":    period,
				"spent_usd": spent,
				"limit_usd": limit,
			},
		}
		if err := m.notifier.Send(ctx, notification); err != nil {
			slog.Warn("budget alert notification failed", "error", err, "tenant_id", tenantID)
		}
	}
}

func notificationType(level AlertLevel) notifications.NotificationType {
	switch level {
	case AlertLevelExceeded:
		return notifications.NotificationBudgetExceeded
	case AlertLevelCritical:
		return notifications.NotificationBudgetCritical
	default:
		return notifications.NotificationBudgetWarning
	}
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
