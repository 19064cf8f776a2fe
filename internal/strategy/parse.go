package strategy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"stratbox/internal/market"

	"github.com/tidwall/gjson"
)

// ParseSpec 把策略 JSON 解析为类型化的 Spec。只做结构解析，
// 引用级检查交给 Validate；未知算子在这里降级为 OpInvalid。
func ParseSpec(raw []byte) (*Spec, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("策略 JSON 格式无效")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, fmt.Errorf("策略根节点必须是 JSON 对象")
	}
	spec := &Spec{
		Inputs: map[string]float64{},
		Rules:  map[string]*Expr{},
		Raw:    append(json.RawMessage(nil), raw...),
	}

	doc.Get("inputs").ForEach(func(key, value gjson.Result) bool {
		spec.Inputs[key.String()] = value.Float()
		return true
	})

	var declErr error
	doc.Get("indicators").ForEach(func(_, value gjson.Result) bool {
		decl, err := parseIndicatorDecl(value)
		if err != nil {
			declErr = err
			return false
		}
		spec.Indicators = append(spec.Indicators, decl)
		return true
	})
	if declErr != nil {
		return nil, declErr
	}

	doc.Get("rules").ForEach(func(key, value gjson.Result) bool {
		spec.Rules[key.String()] = ParseExpr(value)
		return true
	})

	spec.Entries = parseTriggers(doc.Get("entries"), SideLong)
	spec.Exits = parseTriggers(doc.Get("exits"), SideBoth)

	if risk := doc.Get("risk"); risk.Exists() {
		spec.Risk = json.RawMessage(risk.Raw)
	}
	return spec, nil
}

func parseIndicatorDecl(value gjson.Result) (IndicatorDecl, error) {
	id := strings.TrimSpace(value.Get("id").String())
	if id == "" {
		return IndicatorDecl{}, fmt.Errorf("指标声明缺少 id")
	}
	src, err := market.ParsePriceSource(value.Get("source").String())
	if err != nil {
		return IndicatorDecl{}, fmt.Errorf("指标 %s: %w", id, err)
	}
	decl := IndicatorDecl{
		ID:     id,
		Fn:     IndicatorFn(strings.ToUpper(strings.TrimSpace(value.Get("fn").String()))),
		Source: src,
		Params: map[string]ParamValue{},
	}
	value.Get("params").ForEach(func(key, pv gjson.Result) bool {
		if pv.Type == gjson.String {
			s := pv.String()
			if strings.HasPrefix(s, "$") {
				decl.Params[key.String()] = ParamValue{Ref: strings.TrimPrefix(s, "$")}
				return true
			}
			f, _ := strconv.ParseFloat(s, 64)
			decl.Params[key.String()] = ParamValue{Literal: f}
			return true
		}
		decl.Params[key.String()] = ParamValue{Literal: pv.Float()}
		return true
	})
	return decl, nil
}

func parseTriggers(value gjson.Result, defaultSide Side) []Trigger {
	var out []Trigger
	value.ForEach(func(_, item gjson.Result) bool {
		trig := Trigger{
			When: item.Get("when").String(),
			Side: Side(strings.ToUpper(strings.TrimSpace(item.Get("side").String()))),
		}
		if trig.Side == "" {
			trig.Side = defaultSide
		}
		out = append(out, trig)
		return true
	})
	return out
}

// ParseExpr 把 [op, ...args] 嵌套数组解析为表达式树。
// 叶子：数字字面量、$input 引用、序列引用字符串（数字字符串作兜底字面量）。
func ParseExpr(value gjson.Result) *Expr {
	switch value.Type {
	case gjson.Number:
		return &Expr{Op: OpLiteral, Literal: value.Float()}
	case gjson.String:
		s := value.String()
		if strings.HasPrefix(s, "$") {
			return &Expr{Op: OpInput, Name: strings.TrimPrefix(s, "$")}
		}
		leaf := &Expr{Op: OpSeriesRef, Name: s}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			leaf.numeric = f
			leaf.hasNumeric = true
		}
		return leaf
	}
	if !value.IsArray() {
		return &Expr{Op: OpInvalid}
	}
	items := value.Array()
	if len(items) == 0 || items[0].Type != gjson.String {
		return &Expr{Op: OpInvalid}
	}
	token := strings.ToUpper(strings.TrimSpace(items[0].String()))
	op, ok := opTokens[token]
	if !ok {
		op = OpInvalid
	}
	node := &Expr{Op: op, Name: items[0].String()}
	for _, item := range items[1:] {
		node.Args = append(node.Args, ParseExpr(item))
	}
	return node
}
