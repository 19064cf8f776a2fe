package strategy

import (
	"fmt"

	"stratbox/internal/indicator"
	"stratbox/internal/market"
)

// UnknownIndicatorError 未识别的指标 fn。与规则里的未知算子不同，
// 指标声明写错属于硬错误，整次计算直接失败。
type UnknownIndicatorError struct {
	ID string
	Fn IndicatorFn
}

func (e *UnknownIndicatorError) Error() string {
	return fmt.Sprintf("指标 %s 使用了未知函数 %q", e.ID, string(e.Fn))
}

// ComputeIndicators 按声明顺序计算全部指标，多输出展开为点号键。
// $name 参数引用在调用前解析为具体数值。
func ComputeIndicators(spec *Spec, candles []market.Candle) (map[string]indicator.Series, error) {
	out := make(map[string]indicator.Series, len(spec.Indicators))
	for _, decl := range spec.Indicators {
		resolve := func(key string, def float64) float64 {
			p, ok := decl.Params[key]
			if !ok {
				return def
			}
			if p.IsRef() {
				if v, ok := spec.Inputs[p.Ref]; ok {
					return v
				}
				return def
			}
			return p.Literal
		}
		src := market.Project(candles, decl.Source)
		switch decl.Fn {
		case FnSMA:
			out[decl.ID] = indicator.SMA(src, int(resolve("length", 14)))
		case FnEMA:
			out[decl.ID] = indicator.EMA(src, int(resolve("length", 14)))
		case FnRMA:
			out[decl.ID] = indicator.RMA(src, int(resolve("length", 14)))
		case FnRSI:
			out[decl.ID] = indicator.RSI(src, int(resolve("length", 14)))
		case FnBB:
			bands := indicator.Bollinger(src, int(resolve("length", 20)), resolve("stddev", 2))
			out[decl.ID+".middle"] = bands.Middle
			out[decl.ID+".upper"] = bands.Upper
			out[decl.ID+".lower"] = bands.Lower
		case FnADX:
			res := indicator.ADX(market.Highs(candles), market.Lows(candles), market.Closes(candles),
				int(resolve("length", 14)))
			out[decl.ID+".adx"] = res.ADX
			out[decl.ID+".plusdi"] = res.PlusDI
			out[decl.ID+".minusdi"] = res.MinusDI
		default:
			return nil, &UnknownIndicatorError{ID: decl.ID, Fn: decl.Fn}
		}
	}
	return out, nil
}

// EvaluateRules 对每条规则、每根 K 线求值，返回与 K 线等长的布尔序列。
func EvaluateRules(rules map[string]*Expr, series map[string]indicator.Series,
	inputs map[string]float64, barCount int) map[string][]bool {
	env := Env{Series: series, Inputs: inputs}
	out := make(map[string][]bool, len(rules))
	for name, expr := range rules {
		result := make([]bool, barCount)
		for i := 0; i < barCount; i++ {
			result[i] = expr.Eval(env, i)
		}
		out[name] = result
	}
	return out
}

// GenerateSignals 只在上升沿（i-1 为假、i 为真）发信号；持续为真不重复触发，
// 需先回落到假才会再次武装。出场未指定方向时默认 BOTH。
func GenerateSignals(spec *Spec, ruleResults map[string][]bool, candles []market.Candle) []Signal {
	var signals []Signal
	for i := 1; i < len(candles); i++ {
		price := candles[i].Close
		for _, entry := range spec.Entries {
			if risingEdge(ruleResults[entry.When], i) {
				side := entry.Side
				if side == "" {
					side = SideLong
				}
				signals = append(signals, Signal{
					Time: candles[i].Time, Type: SignalEntry, Side: side,
					Price: price, Rule: entry.When,
				})
			}
		}
		for _, exit := range spec.Exits {
			if risingEdge(ruleResults[exit.When], i) {
				side := exit.Side
				if side == "" {
					side = SideBoth
				}
				signals = append(signals, Signal{
					Time: candles[i].Time, Type: SignalExit, Side: side,
					Price: price, Rule: exit.When,
				})
			}
		}
	}
	return signals
}

func risingEdge(series []bool, i int) bool {
	if series == nil || i < 1 || i >= len(series) {
		return false
	}
	return series[i] && !series[i-1]
}

// PreviewResult 策略编辑器的预览输出，不落盘。
type PreviewResult struct {
	OHLCV    []market.Candle             `json:"ohlcv"`
	Overlays map[string]indicator.Series `json:"overlays"`
	Rules    map[string][]bool           `json:"rules"`
	Signals  []Signal                    `json:"signals"`
}

// Preview 走完整管线：校验 → 指标 → 规则 → 信号。校验失败即返回，
// 不触碰任何指标计算。
func Preview(spec *Spec, candles []market.Candle) (*PreviewResult, error) {
	if errs := Validate(spec); len(errs) > 0 {
		return nil, &SpecValidationError{Errors: errs}
	}
	series, err := ComputeIndicators(spec, candles)
	if err != nil {
		return nil, err
	}
	rules := EvaluateRules(spec.Rules, series, spec.Inputs, len(candles))
	return &PreviewResult{
		OHLCV:    candles,
		Overlays: series,
		Rules:    rules,
		Signals:  GenerateSignals(spec, rules, candles),
	}, nil
}

// Signals 一次性产出整段 K 线上的信号序列（校验由调用方负责）。
func Signals(spec *Spec, candles []market.Candle) ([]Signal, error) {
	series, err := ComputeIndicators(spec, candles)
	if err != nil {
		return nil, err
	}
	rules := EvaluateRules(spec.Rules, series, spec.Inputs, len(candles))
	return GenerateSignals(spec, rules, candles), nil
}
