package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/voyagehq/llm-orchestrator/internal/domain"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	}
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := New(domain.ProviderOpenAI, testConfig())

	if b.State() != StateClosed {
		t.Fatalf("initial state = %v, want closed", b.State())
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Errorf("state after 2 failures = %v, want closed", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("state after 3 failures = %v, want open", b.State())
	}
	if b.CanExecute() {
		t.Error("CanExecute should be false while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(domain.ProviderOpenAI, testConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed (failures are not consecutive)", b.State())
	}
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	b := New(domain.ProviderOpenAI, testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.CanExecute() {
		t.Fatal("should not execute immediately after opening")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.CanExecute() {
		t.Fatal("should allow probe after recovery timeout")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("state = %v, want half_open", b.State())
	}
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	b := New(domain.ProviderOpenAI, testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	b.CanExecute() // transitions to half-open

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Errorf("state after 1 success = %v, want half_open", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state after 2 successes = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(domain.ProviderOpenAI, testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	b.CanExecute()

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after half-open failure", b.State())
	}
}

func TestBreaker_ForceOpenIgnoresRecoveryTimeout(t *testing.T) {
	b := New(domain.ProviderOpenAI, testConfig())

	b.ForceOpen()
	time.Sleep(60 * time.Millisecond)

	if b.CanExecute() {
		t.Error("forced-open breaker must stay open past the recovery timeout")
	}

	b.ForceClose()
	if b.State() != StateClosed {
		t.Errorf("state after force close = %v, want closed", b.State())
	}
	if !b.CanExecute() {
		t.Error("CanExecute should be true after force close")
	}
}

func TestBreaker_HealthScore(t *testing.T) {
	b := New(domain.ProviderOpenAI, testConfig())

	if score := b.HealthScore(); score != 1.0 {
		t.Errorf("fresh breaker health = %v, want 1.0", score)
	}

	// Mix successes in so the recent failure rate stays below 1.0.
	for i := 0; i < 3; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if score := b.HealthScore(); score != 0.0 {
		t.Errorf("open breaker health = %v, want 0.0", score)
	}

	time.Sleep(60 * time.Millisecond)
	b.CanExecute()
	score := b.HealthScore()
	if score <= 0 || score >= 1 {
		t.Errorf("half-open health = %v, want strictly between 0 and 1", score)
	}
}

func TestBreaker_HealthScoreReflectsFailureRate(t *testing.T) {
	b := New(domain.ProviderOpenAI, Config{FailureThreshold: 100, SuccessThreshold: 2, RecoveryTimeout: time.Minute})

	for i := 0; i < 10; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 10; i++ {
		b.RecordFailure()
		b.RecordSuccess() // interleave so it stays closed
	}

	score := b.HealthScore()
	want := 0.5 // last 20 outcomes: 10 failures, 10 successes
	if score != want {
		t.Errorf("health = %v, want %v", score, want)
	}
}

func TestManager_UnknownProviderDefaultsHealthy(t *testing.T) {
	m := NewManager(map[domain.Provider]Config{
		domain.ProviderOpenAI: testConfig(),
	})

	if !m.CanExecute(domain.ProviderCohere) {
		t.Error("unknown provider should be executable")
	}
	if score := m.HealthScore(domain.ProviderCohere); score != 1.0 {
		t.Errorf("unknown provider health = %v, want 1.0", score)
	}

	// Recording against an unknown provider is a no-op, not a panic.
	m.RecordFailure(domain.ProviderCohere)
	m.RecordSuccess(domain.ProviderCohere)
}

func TestManager_ForceUnknownProviderFails(t *testing.T) {
	m := NewManager(map[domain.Provider]Config{
		domain.ProviderOpenAI: testConfig(),
	})

	err := m.ForceOpen(domain.ProviderGemini)
	if err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("error = %v, want configuration error", err)
	}

	if err := m.ForceClose(domain.ProviderGemini); err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
}

func TestManager_Snapshot(t *testing.T) {
	m := NewManager(map[domain.Provider]Config{
		domain.ProviderOpenAI:    testConfig(),
		domain.ProviderAnthropic: testConfig(),
	})

	m.RecordFailure(domain.ProviderOpenAI)

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if snap["openai"].TotalFailures != 1 {
		t.Errorf("openai failures = %d, want 1", snap["openai"].TotalFailures)
	}
	if snap["anthropic"].State != "closed" {
		t.Errorf("anthropic state = %q, want closed", snap["anthropic"].State)
	}
}

func TestBreakersAreIndependent(t *testing.T) {
	m := NewManager(map[domain.Provider]Config{
		domain.ProviderOpenAI: testConfig(),
		domain.ProviderGemini: testConfig(),
	})

	for i := 0; i < 3; i++ {
		m.RecordFailure(domain.ProviderOpenAI)
	}

	if m.CanExecute(domain.ProviderOpenAI) {
		t.Error("openai should be open")
	}
	if !m.CanExecute(domain.ProviderGemini) {
		t.Error("gemini should be unaffected")
	}
}
