// Package storage persists spreads, opportunities, trades, and pipeline
// decisions to SQLite, plus named JSON state documents for components that
// need crash-safe state.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cross_arb/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Migration is a single idempotent step at startup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS arbitrage_spreads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange_a TEXT NOT NULL,
			exchange_b TEXT NOT NULL,
			symbol TEXT NOT NULL,
			buy_price TEXT NOT NULL,
			sell_price TEXT NOT NULL,
			spread_pct TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spreads_ts ON arbitrage_spreads(ts_ms)`,
		`CREATE TABLE IF NOT EXISTS arbitrage_opportunities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			buy_exchange TEXT NOT NULL,
			sell_exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			buy_price TEXT NOT NULL,
			sell_price TEXT NOT NULL,
			spread_pct TEXT NOT NULL,
			gross_profit TEXT NOT NULL,
			net_profit TEXT NOT NULL,
			buy_fee TEXT NOT NULL,
			sell_fee TEXT NOT NULL,
			est_buy_slip TEXT NOT NULL,
			est_sell_slip TEXT NOT NULL,
			buy_depth TEXT NOT NULL,
			sell_depth TEXT NOT NULL,
			risk_score TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS arbitrage_trades (
			id TEXT PRIMARY KEY,
			buy_exchange TEXT NOT NULL,
			sell_exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			amount TEXT NOT NULL,
			status TEXT NOT NULL,
			buy_order_id TEXT,
			sell_order_id TEXT,
			buy_price TEXT,
			sell_price TEXT,
			expected_pnl TEXT,
			actual_pnl TEXT,
			failure_reason TEXT,
			buy_exec_time_ms INTEGER,
			sell_exec_time_ms INTEGER,
			total_exec_time_ms INTEGER,
			created_at INTEGER NOT NULL,
			buy_executed_at INTEGER,
			sell_executed_at INTEGER,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS shadow_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			trade_id TEXT NOT NULL,
			price TEXT,
			market_regime TEXT,
			volatility REAL,
			strategy TEXT,
			signal TEXT,
			signal_strength REAL,
			signal_confidence REAL,
			would_execute_strategy INTEGER NOT NULL,
			would_execute_after_trend INTEGER NOT NULL,
			would_execute_after_advisor INTEGER NOT NULL,
			would_execute_after_exec INTEGER NOT NULL,
			final_would_execute INTEGER NOT NULL,
			rejection_stage TEXT NOT NULL DEFAULT '',
			rejection_reason TEXT NOT NULL DEFAULT '',
			trend_filter_pass INTEGER,
			trend_filter_reason TEXT,
			advisor_enabled INTEGER,
			advisor_pass INTEGER,
			advisor_confidence REAL,
			advisor_regime TEXT,
			advisor_signal_quality REAL,
			advisor_risk_flags TEXT,
			exec_filter_pass INTEGER,
			exec_filter_reason TEXT,
			spread_pct REAL,
			volume_ratio REAL,
			atr_spike_ratio REAL,
			base_position_pct REAL,
			adjusted_position_pct REAL,
			position_adjustment_factor REAL,
			actually_executed INTEGER NOT NULL DEFAULT 0,
			actual_entry_price TEXT,
			actual_exit_price TEXT,
			actual_pnl TEXT,
			actual_pnl_pct REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_trade ON shadow_decisions(trade_id)`,
		`CREATE TABLE IF NOT EXISTS state_docs (
			name TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			checksum BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSpread appends one directional spread observation.
func (s *Store) InsertSpread(ctx context.Context, e core.SpreadEntry) error {
	query := `INSERT INTO arbitrage_spreads
		(exchange_a, exchange_b, symbol, buy_price, sell_price, spread_pct, ts_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.BuyVenue, e.SellVenue, e.Symbol,
		e.BuyAsk, e.SellBid, e.SpreadPct, e.Ts, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert spread: %w", err)
	}
	return nil
}

// RecentSpreads returns the most recent spread rows, newest first.
func (s *Store) RecentSpreads(ctx context.Context, limit int) ([]core.SpreadEntry, error) {
	query := `SELECT exchange_a, exchange_b, symbol, buy_price, sell_price, spread_pct, ts_ms
		FROM arbitrage_spreads ORDER BY ts_ms DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query spreads: %w", err)
	}
	defer rows.Close()

	var out []core.SpreadEntry
	for rows.Next() {
		var e core.SpreadEntry
		if err := rows.Scan(&e.BuyVenue, &e.SellVenue, &e.Symbol, &e.BuyAsk, &e.SellBid, &e.SpreadPct, &e.Ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertOpportunity appends one detected opportunity.
func (s *Store) InsertOpportunity(ctx context.Context, o *core.Opportunity) error {
	query := `INSERT INTO arbitrage_opportunities
		(buy_exchange, sell_exchange, symbol, buy_price, sell_price, spread_pct,
		 gross_profit, net_profit, buy_fee, sell_fee, est_buy_slip, est_sell_slip,
		 buy_depth, sell_depth, risk_score, ts_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		o.BuyVenue, o.SellVenue, o.Symbol, o.BuyPrice, o.SellPrice, o.SpreadPct,
		o.GrossProfit, o.NetProfit, o.BuyFee, o.SellFee, o.EstBuySlip, o.EstSellSlip,
		o.BuyDepth, o.SellDepth, o.RiskScore, o.Ts, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert opportunity: %w", err)
	}
	return nil
}

// SaveTrade upserts the trade row. Called on every state transition so the
// persisted row tracks the in-memory state machine.
func (s *Store) SaveTrade(ctx context.Context, t *core.Trade) error {
	query := `INSERT INTO arbitrage_trades
		(id, buy_exchange, sell_exchange, symbol, amount, status,
		 buy_order_id, sell_order_id, buy_price, sell_price,
		 expected_pnl, actual_pnl, failure_reason,
		 buy_exec_time_ms, sell_exec_time_ms, total_exec_time_ms,
		 created_at, buy_executed_at, sell_executed_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			buy_order_id = excluded.buy_order_id,
			sell_order_id = excluded.sell_order_id,
			buy_price = excluded.buy_price,
			sell_price = excluded.sell_price,
			expected_pnl = excluded.expected_pnl,
			actual_pnl = excluded.actual_pnl,
			failure_reason = excluded.failure_reason,
			buy_exec_time_ms = excluded.buy_exec_time_ms,
			sell_exec_time_ms = excluded.sell_exec_time_ms,
			total_exec_time_ms = excluded.total_exec_time_ms,
			buy_executed_at = excluded.buy_executed_at,
			sell_executed_at = excluded.sell_executed_at,
			completed_at = excluded.completed_at`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.BuyVenue, t.SellVenue, t.Symbol, t.Amount, string(t.Status),
		t.BuyOrderID, t.SellOrderID, t.BuyPrice, t.SellPrice,
		t.ExpectedPnl, nullDecimal(t.ActualPnl), t.FailureReason,
		t.BuyExecTime, t.SellExecTime, t.TotalExecTime,
		t.CreatedAt.UnixMilli(), nullTime(t.BuyExecutedAt), nullTime(t.SellExecutedAt), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// GetTrade loads one trade row by ID.
func (s *Store) GetTrade(ctx context.Context, id string) (*core.Trade, error) {
	query := `SELECT id, buy_exchange, sell_exchange, symbol, amount, status,
		buy_order_id, sell_order_id, buy_price, sell_price,
		expected_pnl, actual_pnl, failure_reason,
		buy_exec_time_ms, sell_exec_time_ms, total_exec_time_ms,
		created_at, buy_executed_at, sell_executed_at, completed_at
		FROM arbitrage_trades WHERE id = ?`

	var t core.Trade
	var status string
	var actualPnl decimal.NullDecimal
	var createdAt int64
	var buyAt, sellAt, doneAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.BuyVenue, &t.SellVenue, &t.Symbol, &t.Amount, &status,
		&t.BuyOrderID, &t.SellOrderID, &t.BuyPrice, &t.SellPrice,
		&t.ExpectedPnl, &actualPnl, &t.FailureReason,
		&t.BuyExecTime, &t.SellExecTime, &t.TotalExecTime,
		&createdAt, &buyAt, &sellAt, &doneAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read trade: %w", err)
	}

	t.Status = core.TradeStatus(status)
	if actualPnl.Valid {
		v := actualPnl.Decimal
		t.ActualPnl = &v
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	t.BuyExecutedAt = timePtr(buyAt)
	t.SellExecutedAt = timePtr(sellAt)
	t.CompletedAt = timePtr(doneAt)
	return &t, nil
}

// RecentOutcomes returns the newest closed trades with realized PnL,
// newest first. Used by the rollback manager's performance window.
func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]core.TradeOutcome, error) {
	query := `SELECT id, actual_pnl, completed_at FROM arbitrage_trades
		WHERE actual_pnl IS NOT NULL AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []core.TradeOutcome
	for rows.Next() {
		var o core.TradeOutcome
		var completedAt int64
		if err := rows.Scan(&o.TradeID, &o.Pnl, &completedAt); err != nil {
			return nil, err
		}
		o.ClosedAt = time.UnixMilli(completedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertDecision appends one pipeline decision row and returns its ID.
func (s *Store) InsertDecision(ctx context.Context, d *core.PipelineDecision) (int64, error) {
	query := `INSERT INTO shadow_decisions
		(ts, trade_id, price, market_regime, volatility, strategy, signal,
		 signal_strength, signal_confidence,
		 would_execute_strategy, would_execute_after_trend,
		 would_execute_after_advisor, would_execute_after_exec,
		 final_would_execute, rejection_stage, rejection_reason,
		 trend_filter_pass, trend_filter_reason,
		 advisor_enabled, advisor_pass, advisor_confidence, advisor_regime,
		 advisor_signal_quality, advisor_risk_flags,
		 exec_filter_pass, exec_filter_reason,
		 spread_pct, volume_ratio, atr_spike_ratio,
		 base_position_pct, adjusted_position_pct, position_adjustment_factor,
		 actually_executed, actual_entry_price, actual_exit_price, actual_pnl, actual_pnl_pct)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		d.Ts.UnixMilli(), d.TradeID, d.Price, d.Regime, d.Volatility, d.Strategy, string(d.Signal),
		d.Strength, d.Confidence,
		d.WouldExecuteStrategy, d.WouldExecuteAfterTrend,
		d.WouldExecuteAfterAdvisor, d.WouldExecuteAfterExec,
		d.FinalWouldExecute, d.RejectionStage, d.RejectionReason,
		d.TrendFilterPass, d.TrendFilterReason,
		d.AdvisorEnabled, d.AdvisorPass, d.AdvisorConfidence, d.AdvisorRegime,
		d.AdvisorSignalQuality, d.AdvisorRiskFlags,
		d.ExecFilterPass, d.ExecFilterReason,
		d.SpreadPct, d.VolumeRatio, d.ATRSpikeRatio,
		d.BasePositionPct, d.AdjustedPositionPct, d.PositionAdjustmentFactor,
		d.ActuallyExecuted, nullDecimal(d.ActualEntryPrice), nullDecimal(d.ActualExitPrice),
		nullDecimal(d.ActualPnl), nullFloat(d.ActualPnlPct))
	if err != nil {
		return 0, fmt.Errorf("failed to insert decision: %w", err)
	}
	return res.LastInsertId()
}

// UpdateDecisionOutcome fills the realized result on the decision row for
// tradeID once the trade closes.
func (s *Store) UpdateDecisionOutcome(ctx context.Context, tradeID string, entry, exit, pnl decimal.Decimal, pnlPct float64) error {
	query := `UPDATE shadow_decisions SET
		actually_executed = 1,
		actual_entry_price = ?,
		actual_exit_price = ?,
		actual_pnl = ?,
		actual_pnl_pct = ?
		WHERE trade_id = ?`
	res, err := s.db.ExecContext(ctx, query, entry, exit, pnl, pnlPct, tradeID)
	if err != nil {
		return fmt.Errorf("failed to update decision outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("no decision row for trade %s", tradeID)
	}
	return nil
}

// StageStats summarizes counterfactual acceptance and expectancy for one
// filter prefix (strategy-only, then each added stage in order).
type StageStats struct {
	Accepted       int
	AcceptanceRate float64
	Expectancy     float64
	WithOutcome    int
}

// DecisionStats is the A/B comparison across counterfactual prefixes.
type DecisionStats struct {
	Total      int
	Stages     map[string]StageStats
	Rejections map[string]int
}

var stageColumns = []struct {
	Name   string
	Column string
}{
	{"strategy", "would_execute_strategy"},
	{"after_trend", "would_execute_after_trend"},
	{"after_advisor", "would_execute_after_advisor"},
	{"after_exec", "would_execute_after_exec"},
}

// DecisionStats computes acceptance counts per stage prefix, first-rejection
// counts per stage, and expectancy (mean realized PnL) per prefix.
func (s *Store) DecisionStats(ctx context.Context) (*DecisionStats, error) {
	stats := &DecisionStats{
		Stages:     make(map[string]StageStats),
		Rejections: make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shadow_decisions`).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}

	for _, sc := range stageColumns {
		var st StageStats
		query := fmt.Sprintf(`SELECT
			COALESCE(SUM(%s), 0),
			COALESCE(AVG(CASE WHEN %s = 1 AND actual_pnl IS NOT NULL THEN CAST(actual_pnl AS REAL) END), 0),
			COALESCE(SUM(CASE WHEN %s = 1 AND actual_pnl IS NOT NULL THEN 1 ELSE 0 END), 0)
			FROM shadow_decisions`, sc.Column, sc.Column, sc.Column)
		if err := s.db.QueryRowContext(ctx, query).Scan(&st.Accepted, &st.Expectancy, &st.WithOutcome); err != nil {
			return nil, fmt.Errorf("failed to aggregate stage %s: %w", sc.Name, err)
		}
		if stats.Total > 0 {
			st.AcceptanceRate = float64(st.Accepted) / float64(stats.Total)
		}
		stats.Stages[sc.Name] = st
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT rejection_stage, COUNT(*) FROM shadow_decisions
		 WHERE rejection_stage != '' GROUP BY rejection_stage`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate rejections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		stats.Rejections[stage] = n
	}
	return stats, rows.Err()
}

// SaveStateDoc writes a named JSON state document; the payload is round-trip
// validated and checksummed before commit.
func (s *Store) SaveStateDoc(ctx context.Context, name string, doc any) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal state doc %s: %w", name, err)
	}

	// Validate JSON (round-trip test)
	var probe json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("state doc validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO state_docs (name, data, checksum, updated_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, name, string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write state doc %s: %w", name, err)
	}

	return tx.Commit()
}

// LoadStateDoc reads a named state document into doc. Returns sql.ErrNoRows
// wrapped when the document does not exist.
func (s *Store) LoadStateDoc(ctx context.Context, name string, doc any) error {
	query := `SELECT data, checksum FROM state_docs WHERE name = ?`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query, name).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("state doc %s: %w", name, sql.ErrNoRows)
		}
		return fmt.Errorf("failed to read state doc %s: %w", name, err)
	}

	computed := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computed) {
		return fmt.Errorf("checksum length mismatch for %s", name)
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return fmt.Errorf("checksum verification failed for %s: data corruption detected", name)
		}
	}

	if err := json.Unmarshal([]byte(data), doc); err != nil {
		return fmt.Errorf("failed to unmarshal state doc %s: %w", name, err)
	}
	return nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
