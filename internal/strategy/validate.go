package strategy

import (
	"fmt"
	"strings"
)

// ValidationError 单条静态校验错误，path 指向出错位置。
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// SpecValidationError 聚合错误，用于在预览/执行入口一次性返回。
type SpecValidationError struct {
	Errors []ValidationError
}

func (e *SpecValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "策略校验失败"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", ve.Path, ve.Message))
	}
	return "策略校验失败: " + strings.Join(parts, "; ")
}

// Validate 在任何指标计算之前做静态检查：
//   - 指标 id 重复；
//   - $input 参数引用了未声明的输入；
//   - 规则表达式里的叶子引用必须落在已声明的指标输出或输入上；
//   - entries/exits 引用的规则必须存在。
//
// 存量策略每次改参后都要重新跑一遍。
func Validate(spec *Spec) []ValidationError {
	var errs []ValidationError
	if spec == nil {
		return []ValidationError{{Path: "$", Message: "策略为空"}}
	}

	seen := make(map[string]bool, len(spec.Indicators))
	known := make(map[string]bool)
	for i, decl := range spec.Indicators {
		if seen[decl.ID] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("indicators[%d].id", i),
				Message: fmt.Sprintf("指标 id %q 重复", decl.ID),
			})
		}
		seen[decl.ID] = true
		for _, key := range outputKeys(decl) {
			known[key] = true
		}
		for name, p := range decl.Params {
			if p.IsRef() {
				if _, ok := spec.Inputs[p.Ref]; !ok {
					errs = append(errs, ValidationError{
						Path:    fmt.Sprintf("indicators[%d].params.%s", i, name),
						Message: fmt.Sprintf("引用了未声明的输入 $%s", p.Ref),
					})
				}
			}
		}
	}

	for name, expr := range spec.Rules {
		for _, leaf := range expr.Leaves() {
			switch leaf.Op {
			case OpInput:
				if _, ok := spec.Inputs[leaf.Name]; !ok {
					errs = append(errs, ValidationError{
						Path:    "rules." + name,
						Message: fmt.Sprintf("Unknown reference $%s", leaf.Name),
					})
				}
			case OpSeriesRef:
				if known[leaf.Name] {
					continue
				}
				if _, ok := spec.Inputs[leaf.Name]; ok {
					continue
				}
				if leaf.hasNumeric {
					continue
				}
				errs = append(errs, ValidationError{
					Path:    "rules." + name,
					Message: fmt.Sprintf("Unknown reference %s", leaf.Name),
				})
			}
		}
	}

	for i, trig := range spec.Entries {
		if _, ok := spec.Rules[trig.When]; !ok {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("entries[%d].when", i),
				Message: fmt.Sprintf("规则 %q 不存在", trig.When),
			})
		}
	}
	for i, trig := range spec.Exits {
		if _, ok := spec.Rules[trig.When]; !ok {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("exits[%d].when", i),
				Message: fmt.Sprintf("规则 %q 不存在", trig.When),
			})
		}
	}
	return errs
}
