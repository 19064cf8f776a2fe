package strategy

import (
	"math"

	"stratbox/internal/indicator"
)

// Op 规则表达式的封闭算子集合。未知算子在解析期落入 OpInvalid，
// 求值恒为 false（fail-closed），不会中断整批求值。
type Op int

const (
	OpInvalid Op = iota
	OpAnd
	OpOr
	OpNot
	OpCrossover
	OpCrossunder
	OpGT
	OpLT
	OpGTE
	OpLTE
	OpEQ
	OpNEQ

	// 叶子节点
	OpLiteral   // 数字字面量
	OpInput     // $name 输入引用
	OpSeriesRef // 指标序列引用（或可解析为数字的字符串）
)

var opTokens = map[string]Op{
	"AND":        OpAnd,
	"OR":         OpOr,
	"NOT":        OpNot,
	"CROSSOVER":  OpCrossover,
	"CROSSUNDER": OpCrossunder,
	">":          OpGT,
	"<":          OpLT,
	">=":         OpGTE,
	"<=":         OpLTE,
	"==":         OpEQ,
	"!=":         OpNEQ,
}

// Expr 解析后的表达式树节点。解析只在加载策略 JSON 时发生一次，
// 逐根求值不再接触 JSON。
type Expr struct {
	Op   Op
	Args []*Expr

	Literal float64 // OpLiteral
	Name    string  // OpInput/OpSeriesRef 的引用名；OpInvalid 保留原始 token 便于报错

	// OpSeriesRef 兜底：引用名本身是数字字符串时的解析结果。
	numeric    float64
	hasNumeric bool
}

// Env 单次求值环境：已计算的指标序列 + 命名输入。
type Env struct {
	Series map[string]indicator.Series
	Inputs map[string]float64
}

// Eval 在第 i 根 K 线上求布尔值。CROSSOVER/CROSSUNDER 需要访问 i-1。
func (e *Expr) Eval(env Env, i int) bool {
	if e == nil {
		return false
	}
	switch e.Op {
	case OpAnd:
		// 与原引擎一致：所有子式全部求值，不短路。
		all := true
		for _, arg := range e.Args {
			if !arg.Eval(env, i) {
				all = false
			}
		}
		return all
	case OpOr:
		any := false
		for _, arg := range e.Args {
			if arg.Eval(env, i) {
				any = true
			}
		}
		return any
	case OpNot:
		if len(e.Args) != 1 {
			return false
		}
		return !e.Args[0].Eval(env, i)
	case OpCrossover:
		a, b, pa, pb, ok := e.crossOperands(env, i)
		return ok && pa <= pb && a > b
	case OpCrossunder:
		a, b, pa, pb, ok := e.crossOperands(env, i)
		return ok && pa >= pb && a < b
	case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpNEQ:
		if len(e.Args) != 2 {
			return false
		}
		// NaN 参与的比较恒为 false，未定义值自动失败。
		a := e.Args[0].Value(env, i)
		b := e.Args[1].Value(env, i)
		switch e.Op {
		case OpGT:
			return a > b
		case OpLT:
			return a < b
		case OpGTE:
			return a >= b
		case OpLTE:
			return a <= b
		case OpEQ:
			return a == b
		default:
			return !math.IsNaN(a) && !math.IsNaN(b) && a != b
		}
	default:
		return false
	}
}

func (e *Expr) crossOperands(env Env, i int) (cur, curB, prev, prevB float64, ok bool) {
	if len(e.Args) != 2 || i < 1 {
		return 0, 0, 0, 0, false
	}
	cur = e.Args[0].Value(env, i)
	curB = e.Args[1].Value(env, i)
	prev = e.Args[0].Value(env, i-1)
	prevB = e.Args[1].Value(env, i-1)
	if math.IsNaN(cur) || math.IsNaN(curB) || math.IsNaN(prev) || math.IsNaN(prevB) {
		return 0, 0, 0, 0, false
	}
	return cur, curB, prev, prevB, true
}

// Value 解析叶子节点在第 i 根上的数值；无法解析返回 NaN。
func (e *Expr) Value(env Env, i int) float64 {
	if e == nil {
		return indicator.Undefined()
	}
	switch e.Op {
	case OpLiteral:
		return e.Literal
	case OpInput:
		if v, ok := env.Inputs[e.Name]; ok {
			return v
		}
		return indicator.Undefined()
	case OpSeriesRef:
		if s, ok := env.Series[e.Name]; ok {
			return s.At(i)
		}
		if e.hasNumeric {
			return e.numeric
		}
		return indicator.Undefined()
	default:
		return indicator.Undefined()
	}
}

// Leaves 收集全部叶子引用（输入与序列引用），供静态校验使用。
func (e *Expr) Leaves() []*Expr {
	if e == nil {
		return nil
	}
	switch e.Op {
	case OpInput, OpSeriesRef:
		return []*Expr{e}
	case OpLiteral:
		return nil
	}
	var out []*Expr
	for _, arg := range e.Args {
		out = append(out, arg.Leaves()...)
	}
	return out
}
