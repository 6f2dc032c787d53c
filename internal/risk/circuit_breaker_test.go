package risk

import (
	"strings"
	"testing"
	"time"

	"cross_arb/internal/config"
	"cross_arb/internal/core"

	"github.com/shopspring/decimal"
)

func newTestBreaker(store core.IStateStore) *CircuitBreaker {
	setupTelemetry()
	cfg := config.DefaultConfig().Breaker
	return NewCircuitBreaker(cfg, decimal.NewFromInt(10000), store, nil, &mockLogger{})
}

func TestBreaker_ConsecutiveLossTrip(t *testing.T) {
	cb := newTestBreaker(nil)
	balance := decimal.NewFromInt(10000)

	cb.RecordTrade(decimal.NewFromInt(-10), balance)
	cb.RecordTrade(decimal.NewFromInt(-10), balance)
	if !cb.Allowed(time.Now()) {
		t.Fatal("Should not trip after 2 losses")
	}

	// A win resets the streak.
	cb.RecordTrade(decimal.NewFromInt(5), balance)
	if cb.Status().ConsecutiveLosses != 0 {
		t.Errorf("Expected streak reset after a win, got %d", cb.Status().ConsecutiveLosses)
	}

	cb.RecordTrade(decimal.NewFromInt(-5), balance)
	cb.RecordTrade(decimal.NewFromInt(-5), balance)
	cb.RecordTrade(decimal.NewFromInt(-5), balance)

	if cb.Allowed(time.Now()) {
		t.Fatal("Should trip after 3 consecutive losses")
	}
	st := cb.Status()
	if !strings.Contains(st.PauseReason, "consecutive") {
		t.Errorf("Expected consecutive loss reason, got %q", st.PauseReason)
	}
	if st.ConsecutiveLosses != 3 {
		t.Errorf("Expected 3 consecutive losses, got %d", st.ConsecutiveLosses)
	}
}

func TestBreaker_DailyLossTrip(t *testing.T) {
	cb := newTestBreaker(nil)

	// One loss: streak 1 stays under the cap, but 600/10000 = 6% of the
	// day's start balance crosses the 5% limit.
	cb.RecordTrade(decimal.NewFromInt(-600), decimal.NewFromInt(9400))

	if cb.Allowed(time.Now()) {
		t.Fatal("Should trip on daily loss limit")
	}
	st := cb.Status()
	if !strings.Contains(st.PauseReason, "daily") {
		t.Errorf("Expected daily loss reason, got %q", st.PauseReason)
	}
	// Daily loss pauses for 60 minutes, not the 30 minute streak pause.
	if remaining := time.Until(st.PauseUntil); remaining < 50*time.Minute {
		t.Errorf("Expected ~60min pause, got %s", remaining)
	}
}

func TestBreaker_BalanceDrawdownTrip(t *testing.T) {
	cb := newTestBreaker(nil)

	// Small daily loss, but balance reported at 69% of initial.
	cb.RecordTrade(decimal.NewFromInt(-50), decimal.NewFromInt(6900))

	if cb.Allowed(time.Now()) {
		t.Fatal("Should trip on balance drawdown")
	}
	st := cb.Status()
	if !strings.Contains(st.PauseReason, "balance") {
		t.Errorf("Expected balance reason, got %q", st.PauseReason)
	}
	if remaining := time.Until(st.PauseUntil); remaining < 110*time.Minute {
		t.Errorf("Expected ~120min pause, got %s", remaining)
	}
}

func TestBreaker_FirstRuleWins(t *testing.T) {
	cb := newTestBreaker(nil)
	balance := decimal.NewFromInt(8900)

	// Third consecutive loss also crosses the daily loss limit; the streak
	// rule fires first, so the pause is the 30 minute one.
	cb.RecordTrade(decimal.NewFromInt(-200), decimal.NewFromInt(9800))
	cb.RecordTrade(decimal.NewFromInt(-200), decimal.NewFromInt(9600))
	cb.RecordTrade(decimal.NewFromInt(-700), balance)

	st := cb.Status()
	if !st.Paused {
		t.Fatal("Should be paused")
	}
	if !strings.Contains(st.PauseReason, "consecutive") {
		t.Errorf("Expected streak rule first, got %q", st.PauseReason)
	}
	if remaining := time.Until(st.PauseUntil); remaining > 35*time.Minute {
		t.Errorf("Expected the 30min streak pause, got %s", remaining)
	}
}

func TestBreaker_AutoResume(t *testing.T) {
	cb := newTestBreaker(nil)

	cb.Trip("maintenance", time.Minute)
	if cb.Allowed(time.Now()) {
		t.Fatal("Should be paused")
	}
	if !cb.Allowed(time.Now().Add(2 * time.Minute)) {
		t.Fatal("Should auto-resume after the pause window")
	}
	if cb.Status().Paused {
		t.Error("Status should show resumed")
	}
}

func TestBreaker_ManualReset(t *testing.T) {
	cb := newTestBreaker(nil)
	balance := decimal.NewFromInt(10000)

	cb.RecordTrade(decimal.NewFromInt(-5), balance)
	cb.RecordTrade(decimal.NewFromInt(-5), balance)
	cb.RecordTrade(decimal.NewFromInt(-5), balance)
	if cb.Allowed(time.Now()) {
		t.Fatal("Should be paused")
	}

	cb.Reset()
	if !cb.Allowed(time.Now()) {
		t.Error("Should not be paused after reset")
	}
	if cb.Status().ConsecutiveLosses != 0 {
		t.Error("Consecutive losses should be 0 after reset")
	}
}

func TestBreaker_ResetDaily(t *testing.T) {
	cb := newTestBreaker(nil)

	cb.RecordTrade(decimal.NewFromInt(-600), decimal.NewFromInt(9400))
	if !cb.Status().Paused {
		t.Fatal("Should be paused on daily loss")
	}

	cb.Reset()
	cb.ResetDaily(decimal.NewFromInt(9400))
	if !cb.Status().DailyPnl.IsZero() {
		t.Errorf("Expected daily pnl zeroed, got %s", cb.Status().DailyPnl)
	}

	// 300/9400 is ~3.2% of the re-anchored start balance: under the limit.
	cb.RecordTrade(decimal.NewFromInt(-300), decimal.NewFromInt(9100))
	if !cb.Allowed(time.Now()) {
		t.Error("Should not trip against the re-anchored balance")
	}
}

func TestBreaker_PersistAndRestore(t *testing.T) {
	store := newMemStateStore()

	cb1 := newTestBreaker(store)
	cb1.Trip("exchange maintenance", time.Hour)

	// A fresh instance against the same store resumes the pause.
	cb2 := newTestBreaker(store)
	if cb2.Allowed(time.Now()) {
		t.Fatal("Restored breaker should still be paused")
	}
	if got := cb2.Status().PauseReason; got != "exchange maintenance" {
		t.Errorf("Expected restored reason, got %q", got)
	}

	// Resuming persists too.
	if !cb2.Allowed(time.Now().Add(2 * time.Hour)) {
		t.Fatal("Should resume after the window")
	}
	cb3 := newTestBreaker(store)
	if !cb3.Allowed(time.Now()) {
		t.Error("Resume should have been persisted")
	}
}

func TestBreaker_CountersPersistAcrossRestart(t *testing.T) {
	store := newMemStateStore()
	balance := decimal.NewFromInt(10000)

	cb1 := newTestBreaker(store)
	cb1.RecordTrade(decimal.NewFromInt(-5), balance)
	cb1.RecordTrade(decimal.NewFromInt(-5), balance)

	// The restored streak plus one more loss trips.
	cb2 := newTestBreaker(store)
	if cb2.Status().ConsecutiveLosses != 2 {
		t.Fatalf("Expected restored streak of 2, got %d", cb2.Status().ConsecutiveLosses)
	}
	cb2.RecordTrade(decimal.NewFromInt(-5), balance)
	if cb2.Allowed(time.Now()) {
		t.Error("Should trip on the third loss after restart")
	}
}
