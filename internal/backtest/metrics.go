package backtest

import "math"

// MaxDrawdown 返回资金曲线相对运行峰值的最大回撤（正百分比）。
// 空曲线或单调上行返回 0。
func MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	worst := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		dd := (v - peak) / peak
		if dd < worst {
			worst = dd
		}
	}
	return math.Abs(worst) * 100
}

// RoundTrip 一组 BUY/SELL 配对后的完整来回。
type RoundTrip struct {
	Entry Trade
	Exit  Trade
	PnL   float64
}

// PairTrades 按顺序把 BUY 与紧随其后的 SELL 配对；
// 末尾未平仓的 BUY 不计入。PnL 含双边手续费。
func PairTrades(trades []Trade) []RoundTrip {
	var out []RoundTrip
	var open *Trade
	for i := range trades {
		t := trades[i]
		switch t.Side {
		case "BUY":
			if open == nil {
				open = &trades[i]
			}
		case "SELL":
			if open == nil {
				continue
			}
			pnl := t.Price*t.Qty - open.Price*open.Qty - t.Fee - open.Fee
			out = append(out, RoundTrip{Entry: *open, Exit: t, PnL: pnl})
			open = nil
		}
	}
	return out
}

// ComputeKPIs 汇总一次回测的指标。胜率只统计完整来回，
// 一次来回都没有时胜率为 0。
func ComputeKPIs(initialCash float64, trades []Trade, equity []EquityPoint) KPIs {
	curve := make([]float64, len(equity))
	for i, p := range equity {
		curve[i] = p.Equity
	}
	final := initialCash
	if len(curve) > 0 {
		final = curve[len(curve)-1]
	}
	k := KPIs{
		PnL:         final - initialCash,
		MaxDrawdown: MaxDrawdown(curve),
		TradesCount: len(trades),
	}
	if initialCash > 0 {
		k.PnLPct = k.PnL / initialCash * 100
	}
	pairs := PairTrades(trades)
	if len(pairs) > 0 {
		wins := 0
		for _, p := range pairs {
			if p.PnL > 0 {
				wins++
			}
		}
		k.WinRate = float64(wins) / float64(len(pairs)) * 100
	}
	return k
}

// FillDrawdown 就地回填每个快照相对运行峰值的回撤百分比。
func FillDrawdown(points []EquityPoint) {
	if len(points) == 0 {
		return
	}
	peak := points[0].Equity
	for i := range points {
		if points[i].Equity > peak {
			peak = points[i].Equity
		}
		if peak > 0 {
			points[i].Drawdown = math.Abs(points[i].Equity-peak) / peak * 100
		}
	}
}
