package backtest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"stratbox/internal/market"
	"stratbox/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trendCandles 1h 周期：先阴跌、第 25 根起急涨（制造金叉）、
// 第 40 根起急跌（制造死叉）。
func trendCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	price := 100.0
	for i := range out {
		switch {
		case i < 25:
			price -= 0.5
		case i < 40:
			price += 4
		default:
			price -= 6
		}
		out[i] = market.Candle{
			Time: int64(i) * 3_600_000,
			Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 10,
		}
	}
	return out
}

func maCrossSpec(t *testing.T) *strategy.Spec {
	t.Helper()
	r, err := strategy.NewKindRegistry("")
	require.NoError(t, err)
	spec, err := r.Build("ma_cross", map[string]any{"fast": 5, "slow": 20})
	require.NoError(t, err)
	return spec
}

func TestSimulateConservationWithoutCosts(t *testing.T) {
	// 零费率零滑点时资金只随价格变动：每次来回的现金变化
	// 必须等于 qty·(卖价-买价)。
	spec := maCrossSpec(t)
	candles := trendCandles(50)
	cfg := RunConfig{InitialCash: 10_000}
	trades, equity, err := Simulate(spec, candles, cfg)
	require.NoError(t, err)
	require.Len(t, equity, len(candles))

	require.Len(t, trades, 2, "一次金叉入场、一次死叉出场")
	buy, sell := trades[0], trades[1]
	assert.Equal(t, "BUY", buy.Side)
	assert.Equal(t, "SELL", sell.Side)
	assert.Equal(t, 0.0, buy.Fee)
	assert.Equal(t, 0.0, sell.Fee)
	assert.Equal(t, buy.Qty, sell.Qty, "全进全出")

	expectedFinal := 10_000 / buy.Price * sell.Price
	assert.InDelta(t, expectedFinal, equity[len(equity)-1].Equity, 1e-6)
}

func TestSimulateDeterministic(t *testing.T) {
	spec := maCrossSpec(t)
	candles := trendCandles(50)
	cfg := RunConfig{InitialCash: 10_000, FeePct: 0.001, SlippagePct: 0.0005}

	t1, e1, err := Simulate(spec, candles, cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		t2, e2, err := Simulate(spec, candles, cfg)
		require.NoError(t, err)
		assert.Equal(t, t1, t2)
		assert.Equal(t, e1, e2)
	}
}

func TestSimulateAppliesFeeAndSlippage(t *testing.T) {
	spec := maCrossSpec(t)
	candles := trendCandles(50)
	cfg := RunConfig{InitialCash: 10_000, FeePct: 0.001, SlippagePct: 0.002}
	trades, _, err := Simulate(spec, candles, cfg)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	buy, sell := trades[0], trades[1]
	// 买单加滑点、卖单减滑点。
	var buyBar, sellBar market.Candle
	for _, c := range candles {
		if c.Time == buy.Time {
			buyBar = c
		}
		if c.Time == sell.Time {
			sellBar = c
		}
	}
	assert.InDelta(t, buyBar.Close*1.002, buy.Price, 1e-9)
	assert.InDelta(t, sellBar.Close*0.998, sell.Price, 1e-9)
	assert.InDelta(t, buy.Price*buy.Qty*0.001, buy.Fee, 1e-9)
	assert.InDelta(t, sell.Price*sell.Qty*0.001, sell.Fee, 1e-9)
}

func TestSimulateIgnoresRedundantSignals(t *testing.T) {
	// 持仓期间再次入场、空仓时出场，都应被忽略。
	raw := []byte(`{
		"indicators": [{"id": "f", "fn": "SMA", "source": "close", "params": {"length": 2}}],
		"rules": {"always": [">", "f", 0], "never_exit": ["<", "f", 0]},
		"entries": [{"when": "always"}],
		"exits": [{"when": "never_exit"}]
	}`)
	spec, err := strategy.ParseSpec(raw)
	require.NoError(t, err)
	candles := trendCandles(30)
	trades, equity, err := Simulate(spec, candles, RunConfig{InitialCash: 1000})
	require.NoError(t, err)
	assert.Len(t, trades, 1, "只有第一笔 BUY 生效")
	assert.Len(t, equity, 30)
	// 持仓到结束，最后一笔权益按最后收盘价计。
	last := candles[len(candles)-1].Close
	assert.InDelta(t, trades[0].Qty*last, equity[len(equity)-1].Equity, 1e-9)
}

func newTestSimulator(t *testing.T, src CandleSource) (*Simulator, *ResultStore) {
	t.Helper()
	results, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = results.Close() })
	kinds, err := strategy.NewKindRegistry("")
	require.NoError(t, err)
	sim, err := NewSimulator(SimulatorConfig{
		Fetcher: NewFetcher(src, nil, 0, 500),
		Results: results,
		Kinds:   kinds,
	})
	require.NoError(t, err)
	return sim, results
}

// trendSource 把 trendCandles 包装成 CandleSource。
type trendSource struct{ candles []market.Candle }

func (s *trendSource) Name() string { return "trend" }

func (s *trendSource) Fetch(_ context.Context, req FetchRequest) ([]market.Candle, error) {
	var out []market.Candle
	for _, c := range s.candles {
		if c.Time >= req.Start && (req.End == 0 || c.Time <= req.End) {
			out = append(out, c)
			if len(out) >= req.Limit {
				break
			}
		}
	}
	return out, nil
}

func waitForRun(t *testing.T, results *ResultStore, id string) Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := results.GetRun(context.Background(), id)
		require.NoError(t, err)
		if run.Status == RunStatusDone || run.Status == RunStatusFailed {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run 未在限时内结束")
	return Run{}
}

func TestStartRunEndToEnd(t *testing.T) {
	candles := trendCandles(50)
	sim, results := newTestSimulator(t, &trendSource{candles: candles})

	run, err := sim.StartRun(RunRequest{
		Pair:        "btcusdt",
		Timeframe:   "1h",
		From:        candles[1].Time,
		To:          candles[len(candles)-1].Time,
		InitialCash: 10_000,
		Kind:        "ma_cross",
		Params:      map[string]any{"fast": 5, "slow": 20},
	})
	require.NoError(t, err)
	assert.Equal(t, RunStatusPending, run.Status)
	assert.Equal(t, "BTCUSDT", run.Pair)

	done := waitForRun(t, results, run.ID)
	assert.Equal(t, RunStatusDone, done.Status)
	assert.Equal(t, 2, done.KPIs.TradesCount)
	assert.Greater(t, done.FinalEquity, 0.0)

	result, err := results.GetResult(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, result.Trades, 2)
	assert.Len(t, result.Equity, 49, "from 对齐后从第二根开始共 49 根")
}

func TestStartRunWithInlineSpec(t *testing.T) {
	candles := trendCandles(50)
	sim, results := newTestSimulator(t, &trendSource{candles: candles})

	rawSpec := json.RawMessage(`{
		"indicators": [
			{"id": "f", "fn": "EMA", "source": "close", "params": {"length": 5}},
			{"id": "s", "fn": "EMA", "source": "close", "params": {"length": 20}}
		],
		"rules": {"go": ["CROSSOVER", "f", "s"], "out": ["CROSSUNDER", "f", "s"]},
		"entries": [{"when": "go"}],
		"exits": [{"when": "out"}]
	}`)
	run, err := sim.StartRun(RunRequest{
		Pair:      "ETHUSDT",
		Timeframe: "1h",
		From:      candles[1].Time,
		To:        candles[len(candles)-1].Time,
		Spec:      rawSpec,
	})
	require.NoError(t, err)
	done := waitForRun(t, results, run.ID)
	assert.Equal(t, RunStatusDone, done.Status)
	assert.Equal(t, 10_000.0, done.InitialCash, "默认本金")
}

func TestStartRunRejectsInvalidStrategyUpfront(t *testing.T) {
	sim, _ := newTestSimulator(t, &trendSource{candles: trendCandles(50)})
	_, err := sim.StartRun(RunRequest{
		Pair:      "BTCUSDT",
		Timeframe: "1h",
		From:      3_600_000,
		To:        36_000_000,
		Spec: json.RawMessage(`{
			"indicators": [{"id": "e1", "fn": "EMA", "params": {"length": 10}}],
			"rules": {"r1": [">", "e1", "unknown"]},
			"entries": [{"when": "r1"}]
		}`),
	})
	var vErr *strategy.SpecValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "rules.r1", vErr.Errors[0].Path)
}

func TestStartRunValidatesParams(t *testing.T) {
	sim, _ := newTestSimulator(t, &trendSource{})
	_, err := sim.StartRun(RunRequest{Timeframe: "1h", From: 1, To: 2})
	assert.Error(t, err, "缺少 pair")
	_, err = sim.StartRun(RunRequest{Pair: "X", Timeframe: "13m", From: 1, To: 2})
	assert.Error(t, err, "非法周期")
	_, err = sim.StartRun(RunRequest{Pair: "X", Timeframe: "1h", From: 100, To: 50, Kind: "ma_cross"})
	assert.Error(t, err, "区间颠倒且对齐后退化")
}

func TestRunFailsWhenSourceErrors(t *testing.T) {
	src := &fakeSource{step: 3_600_000, err: context.DeadlineExceeded}
	sim, results := newTestSimulator(t, src)
	run, err := sim.StartRun(RunRequest{
		Pair: "BTCUSDT", Timeframe: "1h",
		From: 3_600_000, To: 36_000_000,
		Kind: "ma_cross",
	})
	require.NoError(t, err)
	done := waitForRun(t, results, run.ID)
	assert.Equal(t, RunStatusFailed, done.Status)
	assert.Contains(t, done.Message, "fetch failed")

	// 失败任务不得留下任何成交或权益记录。
	result, err := results.GetResult(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
	assert.Empty(t, result.Equity)
}
