package strategy

import (
	"encoding/json"

	"stratbox/internal/market"
)

// IndicatorFn 指标声明支持的函数。
type IndicatorFn string

const (
	FnSMA IndicatorFn = "SMA"
	FnEMA IndicatorFn = "EMA"
	FnRMA IndicatorFn = "RMA"
	FnRSI IndicatorFn = "RSI"
	FnBB  IndicatorFn = "BB"
	FnADX IndicatorFn = "ADX"
)

// ParamValue 指标参数：数字字面量，或 $name 形式的输入引用。
type ParamValue struct {
	Ref     string
	Literal float64
}

// IsRef 是否为输入引用。
func (p ParamValue) IsRef() bool { return p.Ref != "" }

// IndicatorDecl 一条指标声明。多输出指标展开为 id.upper / id.adx 等点号键。
type IndicatorDecl struct {
	ID     string
	Fn     IndicatorFn
	Source market.PriceSource
	Params map[string]ParamValue
}

// Side 信号方向。
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideBoth  Side = "BOTH"
)

// SignalType 信号类型。
type SignalType string

const (
	SignalEntry SignalType = "ENTRY"
	SignalExit  SignalType = "EXIT"
)

// Trigger 把一条规则挂到入场或出场上。
type Trigger struct {
	When string `json:"when"`
	Side Side   `json:"side,omitempty"`
}

// Signal 规则引擎在上升沿产出的交易信号。
type Signal struct {
	Time  int64      `json:"t"`
	Type  SignalType `json:"type"`
	Side  Side       `json:"side"`
	Price float64    `json:"price"`
	Rule  string     `json:"rule"`
}

// Spec 一份声明式策略。Validate 通过后视为不可变。
type Spec struct {
	Inputs     map[string]float64
	Indicators []IndicatorDecl
	Rules      map[string]*Expr
	Entries    []Trigger
	Exits      []Trigger
	// Risk 原样携带，本引擎不解释。
	Risk json.RawMessage

	// 原始 JSON，持久化与回放时使用。
	Raw json.RawMessage
}

// outputKeys 返回一条声明展开后的全部序列键。
func outputKeys(decl IndicatorDecl) []string {
	switch decl.Fn {
	case FnBB:
		return []string{decl.ID + ".middle", decl.ID + ".upper", decl.ID + ".lower"}
	case FnADX:
		return []string{decl.ID + ".adx", decl.ID + ".plusdi", decl.ID + ".minusdi"}
	default:
		return []string{decl.ID}
	}
}
