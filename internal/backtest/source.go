package backtest

import (
	"context"

	"stratbox/internal/market"
)

// FetchRequest 一次远端 K 线请求。
type FetchRequest struct {
	Pair     string
	Interval string
	Start    int64 // Unix ms
	End      int64 // Unix ms（可选；0 表示不限制）
	Limit    int
}

// CandleSource 统一不同数据源的拉取行为：返回 ≤Limit 根、按时间升序的
// K 线；空批表示数据已到尽头。
type CandleSource interface {
	Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error)
	Name() string
}
