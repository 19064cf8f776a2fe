package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound 指定 ID 的回测任务不存在。
var ErrRunNotFound = errors.New("run not found")

// ResultStore 管理 runs/trades/equity 三张表。整份结果在一个事务里
// 落库，读者不会看到写了一半的记录；同 ID 重写以后写者为准。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// NewResultStore 在 root 下打开（必要时创建）结果库。
func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

// Close 关闭底层连接。
func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pair TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			status TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			initial_cash REAL NOT NULL,
			final_equity REAL NOT NULL DEFAULT 0,
			pnl REAL NOT NULL DEFAULT 0,
			pnl_pct REAL NOT NULL DEFAULT 0,
			max_drawdown REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			trades_count INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			side TEXT NOT NULL,
			qty REAL NOT NULL,
			price REAL NOT NULL,
			fee REAL NOT NULL,
			rule TEXT,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			drawdown REAL NOT NULL DEFAULT 0,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_equity_run ON equity(run_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun 登记新任务。
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfg, err := run.MarshalConfig()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, pair, timeframe, status, start_ts, end_ts,
			initial_cash, final_equity, config_json, message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Pair, run.Timeframe, run.Status, run.From, run.To,
		run.InitialCash, run.InitialCash, string(cfg), run.Message, now, now)
	return err
}

// UpdateRunStatus 推进状态机并更新进度消息。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, message = ?, updated_at = ? WHERE id = ?`,
		status, message, time.Now().UnixMilli(), id)
	return err
}

// SaveResult 把完整结果（摘要 + 成交 + 资金曲线）写进一个事务。
// 事务失败时库里保持之前的状态。
func (s *ResultStore) SaveResult(ctx context.Context, run Run, trades []Trade, equity []EquityPoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, final_equity = ?, pnl = ?, pnl_pct = ?,
			max_drawdown = ?, win_rate = ?, trades_count = ?, message = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?`,
		run.Status, run.FinalEquity, run.KPIs.PnL, run.KPIs.PnLPct,
		run.KPIs.MaxDrawdown, run.KPIs.WinRate, run.KPIs.TradesCount, run.Message,
		now, now, run.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM equity WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	tradeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (run_id, ts, side, qty, price, fee, rule)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer tradeStmt.Close()
	for _, t := range trades {
		if _, err := tradeStmt.ExecContext(ctx, run.ID, t.Time, t.Side, t.Qty, t.Price, t.Fee, t.Rule); err != nil {
			return err
		}
	}
	eqStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO equity (run_id, ts, equity, drawdown) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer eqStmt.Close()
	for _, p := range equity {
		if _, err := eqStmt.ExecContext(ctx, run.ID, p.Time, p.Equity, p.Drawdown); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRuns 按创建时间倒序返回任务摘要。
func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pair, timeframe, status, start_ts, end_ts, initial_cash,
			final_equity, pnl, pnl_pct, max_drawdown, win_rate, trades_count,
			config_json, COALESCE(message,''), created_at, updated_at, COALESCE(completed_at,0)
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// GetRun 按 ID 读取任务摘要。
func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pair, timeframe, status, start_ts, end_ts, initial_cash,
			final_equity, pnl, pnl_pct, max_drawdown, win_rate, trades_count,
			config_json, COALESCE(message,''), created_at, updated_at, COALESCE(completed_at,0)
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return run, err
}

// ListTrades 返回某次回测的全部成交，按时间升序。
func (s *ResultStore) ListTrades(ctx context.Context, runID string) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, ts, side, qty, price, fee, COALESCE(rule,'')
		FROM trades WHERE run_id = ? ORDER BY ts ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.RunID, &t.Time, &t.Side, &t.Qty, &t.Price, &t.Fee, &t.Rule); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEquity 返回某次回测的资金曲线，按时间升序。
func (s *ResultStore) ListEquity(ctx context.Context, runID string) ([]EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, equity, drawdown FROM equity WHERE run_id = ? ORDER BY ts ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.Time, &p.Equity, &p.Drawdown); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetResult 读取完整结果。
func (s *ResultStore) GetResult(ctx context.Context, runID string) (RunResult, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	trades, err := s.ListTrades(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	equity, err := s.ListEquity(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{Run: run, Trades: trades, Equity: equity}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var cfgJSON string
	var created, updated, completed int64
	if err := row.Scan(&run.ID, &run.Pair, &run.Timeframe, &run.Status,
		&run.From, &run.To, &run.InitialCash, &run.FinalEquity,
		&run.KPIs.PnL, &run.KPIs.PnLPct, &run.KPIs.MaxDrawdown,
		&run.KPIs.WinRate, &run.KPIs.TradesCount,
		&cfgJSON, &run.Message, &created, &updated, &completed); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(cfgJSON), &run.Config); err != nil {
		return Run{}, fmt.Errorf("decode run config failed: %w", err)
	}
	run.CreatedAt = time.UnixMilli(created)
	run.UpdatedAt = time.UnixMilli(updated)
	if completed > 0 {
		run.CompletedAt = time.UnixMilli(completed)
	}
	return run, nil
}
