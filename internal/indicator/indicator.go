package indicator

import "math"

// 本包实现回测引擎依赖的全部指标递推。所有函数都是纯函数：
// 输入价格序列与参数，输出等长 Series，预热期用 NaN 占位。
// EMA/RMA 的种子约定（ema[0]=src[0]，而非 SMA 种子）是既有结果
// 复现的一部分，不能换成 talib 的约定。

// SMA 简单移动平均，滑动累加实现，自 length-1 起有值。
func SMA(src []float64, length int) Series {
	out := NewSeries(len(src))
	if length <= 0 || len(src) < length {
		return out
	}
	sum := 0.0
	for i, v := range src {
		sum += v
		if i >= length {
			sum -= src[i-length]
		}
		if i >= length-1 {
			out[i] = sum / float64(length)
		}
	}
	return out
}

// EMA 指数移动平均，k=2/(length+1)，以首个有值点为种子，
// 内部自种子起递推，但对外自 length-1 根起才视为有值。
func EMA(src []float64, length int) Series {
	return smooth(src, length, 2/(float64(length)+1))
}

// RMA Wilder 平滑：rma[i] = (rma[i-1]*(length-1) + src[i]) / length。
func RMA(src []float64, length int) Series {
	if length <= 0 {
		return NewSeries(len(src))
	}
	return smooth(src, length, 1/float64(length))
}

func smooth(src []float64, length int, alpha float64) Series {
	out := NewSeries(len(src))
	if length <= 0 || len(src) == 0 {
		return out
	}
	first := -1
	for i, v := range src {
		if !math.IsNaN(v) {
			first = i
			break
		}
	}
	if first < 0 {
		return out
	}
	prev := src[first]
	visible := first + length - 1
	if visible < len(out) && first == visible {
		out[first] = prev
	}
	for i := first + 1; i < len(src); i++ {
		v := src[i]
		if math.IsNaN(v) {
			continue
		}
		prev = prev + alpha*(v-prev)
		if i >= visible {
			out[i] = prev
		}
	}
	return out
}

// RSI 相对强弱指数：逐根涨跌幅经 RMA 平滑后换算到 [0,100]。
// 平滑跌幅为 0 时 RSI 恒为 100（不会出现除零）。
func RSI(src []float64, length int) Series {
	n := len(src)
	out := NewSeries(n)
	if length <= 0 || n == 0 {
		return out
	}
	gains := make([]float64, n)
	losses := make([]float64, n)
	for i := 1; i < n; i++ {
		diff := src[i] - src[i-1]
		if diff > 0 {
			gains[i] = diff
		} else {
			losses[i] = -diff
		}
	}
	avgGain := RMA(gains, length)
	avgLoss := RMA(losses, length)
	for i := 0; i < n; i++ {
		if !avgGain.Defined(i) || !avgLoss.Defined(i) {
			continue
		}
		if avgLoss[i] == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// BollingerBands Bollinger(SMA 中轨 ± k·总体标准差)。
type BollingerBands struct {
	Middle Series
	Upper  Series
	Lower  Series
}

// Bollinger 在每个有值下标上对长度 length 的窗口直接求总体标准差。
func Bollinger(src []float64, length int, mult float64) BollingerBands {
	n := len(src)
	bands := BollingerBands{
		Middle: SMA(src, length),
		Upper:  NewSeries(n),
		Lower:  NewSeries(n),
	}
	for i := length - 1; i < n; i++ {
		if !bands.Middle.Defined(i) {
			continue
		}
		mean := bands.Middle[i]
		variance := 0.0
		for j := i - length + 1; j <= i; j++ {
			d := src[j] - mean
			variance += d * d
		}
		sigma := math.Sqrt(variance / float64(length))
		bands.Upper[i] = mean + mult*sigma
		bands.Lower[i] = mean - mult*sigma
	}
	return bands
}

// DirectionalIndex ADX 的三路输出。
type DirectionalIndex struct {
	ADX     Series
	PlusDI  Series
	MinusDI Series
}

// ADX 平均趋向指数：+DM/-DM/TR 自下标 1 起，经 RMA 平滑后换算
// ±DI（平滑 TR 为 0 或未定义的下标跳过），DX 再做一次 RMA。
func ADX(high, low, close []float64, length int) DirectionalIndex {
	n := len(close)
	res := DirectionalIndex{
		ADX:     NewSeries(n),
		PlusDI:  NewSeries(n),
		MinusDI: NewSeries(n),
	}
	if length <= 0 || n < 2 || len(high) != n || len(low) != n {
		return res
	}
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-close[i-1]), math.Abs(low[i]-close[i-1])))
	}
	smPlus := RMA(plusDM, length)
	smMinus := RMA(minusDM, length)
	smTR := RMA(tr, length)
	dx := NewSeries(n)
	for i := 0; i < n; i++ {
		if !smTR.Defined(i) || smTR[i] == 0 || !smPlus.Defined(i) || !smMinus.Defined(i) {
			continue
		}
		pdi := 100 * smPlus[i] / smTR[i]
		mdi := 100 * smMinus[i] / smTR[i]
		res.PlusDI[i] = pdi
		res.MinusDI[i] = mdi
		if pdi+mdi == 0 {
			dx[i] = 0
		} else {
			dx[i] = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
		}
	}
	res.ADX = RMA(dx, length)
	return res
}
