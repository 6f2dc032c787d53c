// Package safety holds the last-resort controls: the config rollback
// manager that reverts a bad parameter deploy on sustained losses, and the
// pre-start account checks.
package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"cross_arb/internal/alert"
	"cross_arb/internal/config"
	"cross_arb/internal/core"
	"cross_arb/pkg/telemetry"
)

const rollbackStateDoc = "rollback_history"

// RollbackMetrics is the performance snapshot that justified a rollback.
type RollbackMetrics struct {
	Trades           int             `json:"trades"`
	WinRate          float64         `json:"win_rate"`
	CumulativePnl    decimal.Decimal `json:"cumulative_pnl"`
	EstimatedDayLoss decimal.Decimal `json:"estimated_day_loss"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"`
}

// RollbackRecord is one history entry. BackupUsed is empty when no backup
// file was available and only the attempt was recorded.
type RollbackRecord struct {
	Ts         time.Time       `json:"ts"`
	Reason     string          `json:"reason"`
	Metrics    RollbackMetrics `json:"metrics"`
	BackupUsed string          `json:"backup_used"`
}

// RollbackManager watches closed-trade outcomes and, when performance
// degrades past its thresholds, restores the newest known-good config
// backup over the live config file. It never restarts the process; the
// operator (or a supervisor reloading on file change) picks the revert up.
type RollbackManager struct {
	cfg    config.RollbackConfig
	store  core.IStateStore
	alerts *alert.AlertManager
	logger core.ILogger

	mu      sync.Mutex
	history []RollbackRecord
}

// NewRollbackManager restores persisted rollback history when the store has
// one. The store and alert manager may be nil.
func NewRollbackManager(cfg config.RollbackConfig, store core.IStateStore, alerts *alert.AlertManager, logger core.ILogger) *RollbackManager {
	m := &RollbackManager{
		cfg:    cfg,
		store:  store,
		alerts: alerts,
		logger: logger.WithField("component", "rollback_manager"),
	}

	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var hist []RollbackRecord
		if err := store.LoadStateDoc(ctx, rollbackStateDoc, &hist); err == nil {
			m.history = hist
			if n := len(hist); n > 0 {
				m.logger.Info("Restored rollback history",
					"records", n,
					"last_reason", hist[n-1].Reason)
			}
		}
	}
	return m
}

// Evaluate inspects the given closed trades, oldest first, and triggers a
// config rollback when any threshold is breached. Returns whether a rollback
// was triggered. Trades already covered by the latest rollback are ignored
// so one bad stretch cannot fire repeatedly.
func (m *RollbackManager) Evaluate(trades []core.TradeOutcome, accountBalance decimal.Decimal) bool {
	if !m.cfg.Enabled || len(trades) < m.cfg.MinTrades {
		return false
	}
	if !accountBalance.IsPositive() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.history); n > 0 {
		last := m.history[n-1].Ts
		if !trades[len(trades)-1].ClosedAt.After(last) {
			return false
		}
	}

	metrics := computeMetrics(trades)
	reason := m.triggerReason(metrics, accountBalance)
	if reason == "" {
		return false
	}

	m.logger.Warn("Rollback threshold breached",
		"reason", reason,
		"trades", metrics.Trades,
		"win_rate", fmt.Sprintf("%.2f", metrics.WinRate),
		"cumulative_pnl", metrics.CumulativePnl.String(),
		"max_drawdown", metrics.MaxDrawdown.String())

	m.execute(reason, metrics)
	return true
}

// History returns a copy of the recorded rollback attempts, oldest first.
func (m *RollbackManager) History() []RollbackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RollbackRecord, len(m.history))
	copy(out, m.history)
	return out
}

// computeMetrics folds the outcome series into win rate, cumulative pnl,
// max drawdown, and a day-scaled loss estimate. Spans under an hour are
// treated as an hour so a fast losing burst reads as a large daily rate
// rather than dividing by near-zero.
func computeMetrics(trades []core.TradeOutcome) RollbackMetrics {
	wins := 0
	cum := decimal.Zero
	peak := decimal.Zero
	maxDD := decimal.Zero

	for _, tr := range trades {
		if tr.Pnl.IsPositive() {
			wins++
		}
		cum = cum.Add(tr.Pnl)
		if cum.GreaterThan(peak) {
			peak = cum
		}
		if dd := peak.Sub(cum); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}

	estLoss := decimal.Zero
	if cum.IsNegative() {
		span := trades[len(trades)-1].ClosedAt.Sub(trades[0].ClosedAt)
		if span < time.Hour {
			span = time.Hour
		}
		scale := decimal.NewFromFloat((24 * time.Hour).Hours() / span.Hours())
		estLoss = cum.Abs().Mul(scale)
	}

	return RollbackMetrics{
		Trades:           len(trades),
		WinRate:          float64(wins) / float64(len(trades)),
		CumulativePnl:    cum,
		EstimatedDayLoss: estLoss,
		MaxDrawdown:      maxDD,
	}
}

// triggerReason returns the first breached threshold, or "" when none is.
func (m *RollbackManager) triggerReason(metrics RollbackMetrics, balance decimal.Decimal) string {
	lossLimit := balance.Mul(decimal.NewFromFloat(m.cfg.MaxDailyLossPct))
	if metrics.EstimatedDayLoss.GreaterThanOrEqual(lossLimit) && lossLimit.IsPositive() {
		return fmt.Sprintf("estimated daily loss %s >= %.0f%% of balance",
			metrics.EstimatedDayLoss.StringFixed(2), m.cfg.MaxDailyLossPct*100)
	}
	if metrics.WinRate < m.cfg.MinWinRate {
		return fmt.Sprintf("win rate %.0f%% below %.0f%%",
			metrics.WinRate*100, m.cfg.MinWinRate*100)
	}
	ddLimit := balance.Mul(decimal.NewFromFloat(m.cfg.MaxDrawdownPct))
	if metrics.MaxDrawdown.GreaterThanOrEqual(ddLimit) && ddLimit.IsPositive() {
		return fmt.Sprintf("drawdown %s >= %.0f%% of balance",
			metrics.MaxDrawdown.StringFixed(2), m.cfg.MaxDrawdownPct*100)
	}
	return ""
}

// execute preserves the live config, restores the newest backup over it,
// and records the attempt. A missing backup skips the restore but is still
// recorded. Callers must hold m.mu.
func (m *RollbackManager) execute(reason string, metrics RollbackMetrics) {
	now := time.Now().UTC()

	if err := m.preserveLiveConfig(now); err != nil {
		m.logger.Error("Failed to preserve live config before rollback", "error", err)
	}

	backup, err := m.newestBackup()
	if err != nil {
		m.logger.Error("No config backup available, skipping restore", "error", err)
	} else if err := copyFile(backup, m.cfg.ConfigPath); err != nil {
		m.logger.Error("Failed to restore config backup",
			"backup", backup, "error", err)
		backup = ""
	} else {
		m.logger.Warn("Rolled back live config",
			"backup", backup, "reason", reason)
	}

	rec := RollbackRecord{Ts: now, Reason: reason, Metrics: metrics, BackupUsed: backup}
	m.history = append(m.history, rec)
	m.persist()

	telemetry.GetGlobalMetrics().ConfigRollbacks.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("restored", fmt.Sprintf("%t", backup != ""))))

	if m.alerts != nil {
		used := backup
		if used == "" {
			used = "none"
		}
		m.alerts.Alert(context.Background(), "Config rollback triggered",
			fmt.Sprintf("Performance degraded: %s", reason),
			alert.Critical, map[string]string{
				"trades":      fmt.Sprintf("%d", metrics.Trades),
				"win_rate":    fmt.Sprintf("%.2f", metrics.WinRate),
				"pnl":         metrics.CumulativePnl.String(),
				"backup_used": used,
			})
	}
}

// preserveLiveConfig copies the live config aside so the rolled-over
// parameters stay inspectable.
func (m *RollbackManager) preserveLiveConfig(now time.Time) error {
	if err := os.MkdirAll(m.cfg.BackupDir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(m.cfg.BackupDir,
		fmt.Sprintf("emergency_backup_%s.yaml", now.Format("20060102_150405")))
	return copyFile(m.cfg.ConfigPath, dst)
}

// newestBackup returns the most recently modified config_backup_*.yaml in
// the backup dir.
func (m *RollbackManager) newestBackup() (string, error) {
	matches, err := filepath.Glob(filepath.Join(m.cfg.BackupDir, "config_backup_*.yaml"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no config_backup_*.yaml in %s", m.cfg.BackupDir)
	}

	sort.Slice(matches, func(i, j int) bool {
		fi, errI := os.Stat(matches[i])
		fj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return matches[i] < matches[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	return matches[len(matches)-1], nil
}

func (m *RollbackManager) persist() {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.store.SaveStateDoc(ctx, rollbackStateDoc, m.history); err != nil {
		m.logger.Error("Failed to persist rollback history", "error", err)
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
