// Package circuitbreaker isolates failing providers behind a per-provider
// state machine.
//
// States:
//   - Closed: normal operation, requests pass through
//   - Open: provider unhealthy, requests fail immediately
//   - HalfOpen: probing recovery, limited requests allowed
//
// Transitions happen only inside CanExecute/RecordSuccess/RecordFailure, all
// serialized by the breaker's own mutex, except the administrative
// ForceOpen/ForceClose overrides.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive successes to close from half-open
	RecoveryTimeout  time.Duration // time in open before probing
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  60 * time.Second,
	}
}

// recentWindow is how many outcomes feed the failure rate in HealthScore.
const recentWindow = 20

// Breaker guards a single provider. Each breaker has its own mutex; breakers
// for different providers transition independently.
type Breaker struct {
	mu sync.Mutex

	provider domain.Provider
	config   Config

	state       State
	failures    int // consecutive, drives closed->open
	successes   int // consecutive in half-open, drives half-open->closed
	lastFailure time.Time
	lastSuccess time.Time
	forced      bool

	totalSuccesses int64
	totalFailures  int64

	recent    [recentWindow]bool // true = failure
	recentIdx int
	recentLen int
}

func New(provider domain.Provider, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &Breaker{
		provider: provider,
		config:   cfg,
		state:    StateClosed,
	}
}

// CanExecute reports whether a request may proceed. The open->half-open
// transition happens lazily here once the recovery timeout has elapsed; there
// is no background timer.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.forced {
			return false
		}
		if time.Since(b.lastFailure) >= b.config.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.successes = 0
			return true
		}
		return false
	}
	return true
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = time.Now()
	b.totalSuccesses++
	b.pushOutcome(false)

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	b.totalFailures++
	b.pushOutcome(true)

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Any failure during probing re-opens immediately.
		b.transition(StateOpen)
		b.successes = 0
	}
}

// ForceOpen pins the breaker open for maintenance windows. It stays open,
// ignoring the recovery timeout, until ForceClose.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
	b.lastFailure = time.Now()
	b.transition(StateOpen)
}

// ForceClose resets the breaker to closed, clearing counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
	b.failures = 0
	b.successes = 0
	b.transition(StateClosed)
}

// HealthScore maps breaker state plus the recent failure rate to [0,1] for
// the routing engine: open scores 0, half-open halves the raw score, closed
// scores 1 minus the failure rate.
func (b *Breaker) HealthScore() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw := 1.0 - b.recentFailureRate()

	switch b.state {
	case StateOpen:
		return 0.0
	case StateHalfOpen:
		return raw / 2
	default:
		return raw
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type Status struct {
	Provider       string    `json:"provider"`
	State          string    `json:"state"`
	Failures       int       `json:"consecutive_failures"`
	TotalSuccesses int64     `json:"total_successes"`
	TotalFailures  int64     `json:"total_failures"`
	HealthScore    float64   `json:"health_score"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
	LastSuccess    time.Time `json:"last_success,omitempty"`
	Forced         bool      `json:"forced,omitempty"`
}

func (b *Breaker) Status() Status {
	score := b.HealthScore()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Provider:       string(b.provider),
		State:          b.state.String(),
		Failures:       b.failures,
		TotalSuccesses: b.totalSuccesses,
		TotalFailures:  b.totalFailures,
		HealthScore:    score,
		LastFailure:    b.lastFailure,
		LastSuccess:    b.lastSuccess,
		Forced:         b.forced,
	}
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	slog.Info("circuit breaker transition",
		"provider", b.provider,
		"from", b.state.String(),
		"to", to.String(),
	)
	b.state = to
}

func (b *Breaker) pushOutcome(failure bool) {
	b.recent[b.recentIdx] = failure
	b.recentIdx = (b.recentIdx + 1) % recentWindow
	if b.recentLen < recentWindow {
		b.recentLen++
	}
}

func (b *Breaker) recentFailureRate() float64 {
	if b.recentLen == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.recentLen; i++ {
		if b.recent[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.recentLen)
}

// Manager holds one breaker per provider. The provider set is fixed at
// startup, so lookups need no locking; each breaker serializes its own
// transitions.
type Manager struct {
	breakers map[domain.Provider]*Breaker
}

func NewManager(configs map[domain.Provider]Config) *Manager {
	breakers := make(map[domain.Provider]*Breaker, len(configs))
	for provider, cfg := range configs {
		breakers[provider] = New(provider, cfg)
	}
	return &Manager{breakers: breakers}
}

// Get returns the breaker for a provider, or nil for unknown providers.
// Providers without a breaker are treated as healthy-by-default by callers.
func (m *Manager) Get(provider domain.Provider) *Breaker {
	return m.breakers[provider]
}

func (m *Manager) CanExecute(provider domain.Provider) bool {
	b := m.breakers[provider]
	if b == nil {
		return true
	}
	return b.CanExecute()
}

func (m *Manager) RecordSuccess(provider domain.Provider) {
	if b := m.breakers[provider]; b != nil {
		b.RecordSuccess()
	}
}

func (m *Manager) RecordFailure(provider domain.Provider) {
	if b := m.breakers[provider]; b != nil {
		b.RecordFailure()
	}
}

func (m *Manager) HealthScore(provider domain.Provider) float64 {
	b := m.breakers[provider]
	if b == nil {
		return 1.0
	}
	return b.HealthScore()
}

func (m *Manager) ForceOpen(provider domain.Provider) error {
	b := m.breakers[provider]
	if b == nil {
		return domain.NewConfigurationError("provider %q not configured", provider)
	}
	b.ForceOpen()
	return nil
}

func (m *Manager) ForceClose(provider domain.Provider) error {
	b := m.breakers[provider]
	if b == nil {
		return domain.NewConfigurationError("provider %q not configured", provider)
	}
	b.ForceClose()
	return nil
}

// Snapshot returns the status of every breaker, keyed by provider.
func (m *Manager) Snapshot() map[string]Status {
	statuses := make(map[string]Status, len(m.breakers))
	for provider, b := range m.breakers {
		statuses[string(provider)] = b.Status()
	}
	return statuses
}
