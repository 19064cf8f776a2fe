package backtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"stratbox/internal/market"

	_ "modernc.org/sqlite"
)

// Coverage 某个 pair@timeframe 缓存的覆盖情况。
type Coverage struct {
	Pair      string `json:"pair"`
	Timeframe string `json:"timeframe"`
	MinTime   int64  `json:"minTime"`
	MaxTime   int64  `json:"maxTime"`
	Rows      int64  `json:"rows"`
}

// CandleStore 本地 K 线缓存。每个 pair@timeframe 一个 SQLite 文件，
// open_time 主键，重复写入覆盖旧值。
type CandleStore struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewCandleStore 在 root 下建立缓存目录。
func NewCandleStore(root string) (*CandleStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("candle cache root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &CandleStore{root: root, dbs: make(map[string]*sql.DB)}, nil
}

// Close 关闭全部已打开的库文件。
func (s *CandleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, db := range s.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, key)
	}
	return firstErr
}

func (s *CandleStore) db(pair, timeframe string) (*sql.DB, error) {
	if pair == "" || timeframe == "" {
		return nil, fmt.Errorf("pair/timeframe 不能为空")
	}
	key := strings.ToUpper(pair) + "@" + strings.ToLower(timeframe)
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok && db != nil {
		return db, nil
	}
	path := filepath.Join(s.root, strings.ToUpper(pair), strings.ToLower(timeframe)+".db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS candles (
		open_time INTEGER PRIMARY KEY,
		open      REAL NOT NULL,
		high      REAL NOT NULL,
		low       REAL NOT NULL,
		close     REAL NOT NULL,
		volume    REAL NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[key] = db
	return db, nil
}

// Upsert 批量写入，整批一个事务；重复 open_time 覆盖旧值。
func (s *CandleStore) Upsert(ctx context.Context, pair, timeframe string, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	db, err := s.db(pair, timeframe)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// Range 返回 [start,end]（开盘时间闭区间）内的 K 线，升序。
func (s *CandleStore) Range(ctx context.Context, pair, timeframe string, start, end int64) ([]market.Candle, error) {
	if start <= 0 || end <= 0 {
		return nil, fmt.Errorf("start/end 需 > 0")
	}
	if end < start {
		start, end = end, start
	}
	db, err := s.db(pair, timeframe)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume
		FROM candles
		WHERE open_time BETWEEN ? AND ?
		ORDER BY open_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.Time, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// Coverage 汇报缓存覆盖范围，供拉取器判断缺口。
func (s *CandleStore) Coverage(ctx context.Context, pair, timeframe string) (Coverage, error) {
	db, err := s.db(pair, timeframe)
	if err != nil {
		return Coverage{}, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(open_time),0), COALESCE(MAX(open_time),0), COUNT(1) FROM candles`)
	cov := Coverage{Pair: strings.ToUpper(pair), Timeframe: strings.ToLower(timeframe)}
	if err := row.Scan(&cov.MinTime, &cov.MaxTime, &cov.Rows); err != nil {
		return Coverage{}, err
	}
	return cov, nil
}
