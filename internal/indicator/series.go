package indicator

import "math"

// Series 与 K 线序列等长的指标值序列。
// 预热期内的 "尚不可计算" 用 NaN 表示；NaN 参与任何比较都为 false，
// 这正是规则引擎要求的 "与未定义值比较恒为假" 语义。
type Series []float64

// NewSeries 返回长度 n、全部未定义的序列。
func NewSeries(n int) Series {
	s := make(Series, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

// Defined 判断下标 i 处是否已有值。
func (s Series) Defined(i int) bool {
	return i >= 0 && i < len(s) && !math.IsNaN(s[i])
}

// At 读取下标 i；越界或未定义返回 NaN。
func (s Series) At(i int) float64 {
	if i < 0 || i >= len(s) {
		return math.NaN()
	}
	return s[i]
}

// FirstDefined 返回第一个有值的下标，全空返回 -1。
func (s Series) FirstDefined() int {
	for i, v := range s {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}

// Undefined 即 NaN，leaf 解析失败时的统一返回值。
func Undefined() float64 {
	return math.NaN()
}
