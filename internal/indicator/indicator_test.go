package indicator

import (
	"math"
	"testing"

	talib "github.com/markcheno/go-talib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMADefinedness(t *testing.T) {
	src := []float64{1, 2, 3, 4, 5, 6}
	out := SMA(src, 3)
	require.Len(t, out, len(src))

	for i := 0; i < 2; i++ {
		assert.False(t, out.Defined(i), "index %d 应处于预热期", i)
	}
	for i := 2; i < len(src); i++ {
		require.True(t, out.Defined(i))
		mean := (src[i] + src[i-1] + src[i-2]) / 3
		assert.InDelta(t, mean, out[i], 1e-9)
	}
}

func TestSMAMatchesTalib(t *testing.T) {
	src := []float64{10, 11, 13, 12, 15, 14, 16, 18, 17, 19, 21, 20}
	period := 5
	ours := SMA(src, period)
	ref := talib.Sma(src, period)
	for i := period - 1; i < len(src); i++ {
		assert.InDelta(t, ref[i], ours[i], 1e-9, "index %d", i)
	}
}

func TestEMASeededWithFirstValue(t *testing.T) {
	src := []float64{10, 20, 30, 40}
	out := EMA(src, 2)
	// k = 2/3，种子为 src[0]，递推自下标 0 开始。
	k := 2.0 / 3.0
	want := src[0]
	assert.False(t, out.Defined(0), "length=2 时下标 0 仍是预热期")
	for i := 1; i < len(src); i++ {
		want = want + k*(src[i]-want)
		require.True(t, out.Defined(i))
		assert.InDelta(t, want, out[i], 1e-9)
	}
}

func TestRMARecurrence(t *testing.T) {
	src := []float64{4, 8, 6, 10}
	out := RMA(src, 2)
	assert.False(t, out.Defined(0))
	// rma[1] = (4*1 + 8) / 2 = 6; rma[2] = (6*1+6)/2 = 6; rma[3] = (6+10)/2 = 8
	require.True(t, out.Defined(1))
	assert.InDelta(t, 6, out[1], 1e-9)
	assert.InDelta(t, 6, out[2], 1e-9)
	assert.InDelta(t, 8, out[3], 1e-9)
}

func TestRSIRange(t *testing.T) {
	src := []float64{44, 44.3, 44.1, 44.5, 44.2, 44.6, 45.0, 44.8, 45.2, 45.6, 45.4, 45.9}
	out := RSI(src, 5)
	for i := range out {
		if !out.Defined(i) {
			continue
		}
		assert.GreaterOrEqual(t, out[i], 0.0)
		assert.LessOrEqual(t, out[i], 100.0)
	}
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	src := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	out := RSI(src, 3)
	for i := 2; i < len(src); i++ {
		require.True(t, out.Defined(i))
		assert.Equal(t, 100.0, out[i], "纯上涨序列的平滑跌幅为 0")
	}
}

func TestBollingerBands(t *testing.T) {
	src := []float64{2, 4, 6, 8, 10, 12}
	bands := Bollinger(src, 3, 2)
	require.Len(t, bands.Middle, len(src))

	assert.False(t, bands.Upper.Defined(1))
	require.True(t, bands.Middle.Defined(2))
	// 窗口 [2,4,6]：均值 4，总体方差 8/3。
	sigma := math.Sqrt(8.0 / 3.0)
	assert.InDelta(t, 4, bands.Middle[2], 1e-9)
	assert.InDelta(t, 4+2*sigma, bands.Upper[2], 1e-9)
	assert.InDelta(t, 4-2*sigma, bands.Lower[2], 1e-9)
}

func TestADXOutputs(t *testing.T) {
	n := 40
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + float64(i)
		high[i] = base + 1
		low[i] = base - 1
		closes[i] = base
	}
	res := ADX(high, low, closes, 5)
	require.Len(t, res.ADX, n)
	require.Len(t, res.PlusDI, n)
	require.Len(t, res.MinusDI, n)

	// 单边上涨：-DM 恒为 0，+DI > -DI，ADX 最终有值且非负。
	lastIdx := n - 1
	require.True(t, res.PlusDI.Defined(lastIdx))
	require.True(t, res.MinusDI.Defined(lastIdx))
	assert.Greater(t, res.PlusDI[lastIdx], res.MinusDI[lastIdx])
	require.True(t, res.ADX.Defined(lastIdx))
	assert.GreaterOrEqual(t, res.ADX[lastIdx], 0.0)
	assert.LessOrEqual(t, res.ADX[lastIdx], 100.0)
}

func TestSeriesHelpers(t *testing.T) {
	s := NewSeries(3)
	assert.Equal(t, -1, s.FirstDefined())
	s[1] = 7
	assert.Equal(t, 1, s.FirstDefined())
	assert.True(t, s.Defined(1))
	assert.False(t, s.Defined(0))
	assert.False(t, s.Defined(5))
	assert.True(t, math.IsNaN(s.At(0)))
	assert.True(t, math.IsNaN(s.At(99)))
	assert.Equal(t, 7.0, s.At(1))
}
