package backtest

import (
	"encoding/json"
	"time"
)

// 运行状态机：pending → fetching → simulating → persisting → done/failed。
const (
	RunStatusPending    = "pending"
	RunStatusFetching   = "fetching"
	RunStatusSimulating = "simulating"
	RunStatusPersisting = "persisting"
	RunStatusDone       = "done"
	RunStatusFailed     = "failed"
)

// RunRequest 提交一次回测的参数。Kind/Params 与 Spec 二选一：
// Kind 走模板注册表，Spec 为内联策略 JSON。
type RunRequest struct {
	Pair        string          `json:"pair"`
	Timeframe   string          `json:"timeframe"`
	From        int64           `json:"from"`
	To          int64           `json:"to"`
	InitialCash float64         `json:"initialCash"`
	FeePct      float64         `json:"feePct"`
	SlippagePct float64         `json:"slippagePct"`
	Kind        string          `json:"kind,omitempty"`
	Params      map[string]any  `json:"params,omitempty"`
	Spec        json.RawMessage `json:"spec,omitempty"`
}

// RunConfig 本次回测的参数快照，便于重放。
type RunConfig struct {
	Pair        string          `json:"pair"`
	Timeframe   string          `json:"timeframe"`
	From        int64           `json:"from"`
	To          int64           `json:"to"`
	InitialCash float64         `json:"initial_cash"`
	FeePct      float64         `json:"fee_pct"`
	SlippagePct float64         `json:"slippage_pct"`
	Kind        string          `json:"kind,omitempty"`
	Spec        json.RawMessage `json:"spec"`
}

// Trade 一次成交。Side 为 BUY/SELL，Price 为含滑点的成交价。
type Trade struct {
	ID    int64   `json:"id"`
	RunID string  `json:"-"`
	Time  int64   `json:"t"`
	Side  string  `json:"side"`
	Qty   float64 `json:"qty"`
	Price float64 `json:"price"`
	Fee   float64 `json:"fee"`
	Rule  string  `json:"rule,omitempty"`
}

// EquityPoint 每根 K 线收盘后的权益快照。
type EquityPoint struct {
	Time     int64   `json:"t"`
	Equity   float64 `json:"equity"`
	Drawdown float64 `json:"drawdown"`
}

// KPIs 回测汇总指标。
type KPIs struct {
	PnL         float64 `json:"pnl"`
	PnLPct      float64 `json:"pnlPct"`
	MaxDrawdown float64 `json:"maxDD"`
	WinRate     float64 `json:"winrate"`
	TradesCount int     `json:"tradesCount"`
}

// Run 一次回测任务及其结果摘要。
type Run struct {
	ID          string    `json:"id"`
	Pair        string    `json:"pair"`
	Timeframe   string    `json:"timeframe"`
	Status      string    `json:"status"`
	From        int64     `json:"from"`
	To          int64     `json:"to"`
	InitialCash float64   `json:"initialCash"`
	FinalEquity float64   `json:"finalEquity"`
	KPIs        KPIs      `json:"kpis"`
	Message     string    `json:"message,omitempty"`
	Config      RunConfig `json:"config"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// RunResult 完整回测结果：摘要 + 成交明细 + 资金曲线。
type RunResult struct {
	Run    Run           `json:"run"`
	Trades []Trade       `json:"trades"`
	Equity []EquityPoint `json:"equity"`
}

// MarshalConfig 返回 config JSON。
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}
