package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"stratbox/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Kind 一种参数化策略模板。spec 字段是完整的策略 JSON（YAML 写法），
// 其 inputs 为默认参数；构建时用调用方参数覆盖同名输入。
type Kind struct {
	ID          string                 `mapstructure:"id" yaml:"id"`
	Description string                 `mapstructure:"description" yaml:"description"`
	Version     int                    `mapstructure:"version" yaml:"version"`
	Schema      map[string]interface{} `mapstructure:"schema" yaml:"schema"`
	Spec        map[string]interface{} `mapstructure:"spec" yaml:"spec"`

	schemaCompiled *jsonschema.Schema
}

// KindFile 映射 strategies 配置文件。
type KindFile struct {
	Strategies map[string]Kind `mapstructure:"strategies" yaml:"strategies"`
}

// KindSnapshot 公开的模板快照。
type KindSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Kinds    map[string]Kind
}

// KindRegistry 管理策略模板：内置模板 + 可热更新的 YAML 文件。
type KindRegistry struct {
	path string
	v    *viper.Viper

	mu       sync.RWMutex
	snapshot KindSnapshot
}

// NewKindRegistry 读取模板文件并监听更新。path 为空时只带内置模板。
func NewKindRegistry(path string) (*KindRegistry, error) {
	r := &KindRegistry{path: strings.TrimSpace(path)}
	if r.path == "" {
		r.mu.Lock()
		r.snapshot = KindSnapshot{Version: 1, LoadedAt: time.Now(), Kinds: builtinKinds()}
		r.mu.Unlock()
		return r, nil
	}
	v := viper.New()
	v.SetConfigFile(r.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read strategy kinds failed: %w", err)
	}
	r.v = v
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("strategy kinds reload failed: %v", err)
		}
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot 返回当前模板集。
func (r *KindRegistry) Snapshot() KindSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneKindSnapshot(r.snapshot)
}

// Kind 返回指定 ID 的模板。
func (r *KindRegistry) Kind(id string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.snapshot.Kinds[strings.TrimSpace(id)]
	return k, ok
}

// List 按 ID 排序返回全部模板。
func (r *KindRegistry) List() []Kind {
	snap := r.Snapshot()
	out := make([]Kind, 0, len(snap.Kinds))
	for _, k := range snap.Kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Build 校验参数并实例化策略：模板 spec 的 inputs 被同名数值参数覆盖，
// 再走常规的解析与静态校验。
func (r *KindRegistry) Build(kindID string, params map[string]any) (*Spec, error) {
	k, ok := r.Kind(kindID)
	if !ok {
		return nil, fmt.Errorf("unknown strategy kind: %s", kindID)
	}
	if err := k.ValidateParams(params); err != nil {
		return nil, fmt.Errorf("strategy kind %s 参数非法: %w", kindID, err)
	}
	raw, err := k.render(params)
	if err != nil {
		return nil, err
	}
	spec, err := ParseSpec(raw)
	if err != nil {
		return nil, err
	}
	if errs := Validate(spec); len(errs) > 0 {
		return nil, &SpecValidationError{Errors: errs}
	}
	return spec, nil
}

func (r *KindRegistry) reload() error {
	cfg, err := readKindFile(r.path)
	if err != nil {
		return err
	}
	kinds := builtinKinds()
	for name, k := range cfg.Strategies {
		norm := normalizeKind(name, k)
		kinds[norm.ID] = norm
	}
	r.mu.Lock()
	r.snapshot = KindSnapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Kinds:    kinds,
	}
	r.mu.Unlock()
	logger.Infof("Strategy kind registry loaded %d kinds from %s", len(kinds), filepath.Base(r.path))
	return nil
}

// ValidateParams 按模板 schema 校验参数；无 schema 的模板不设限。
func (k Kind) ValidateParams(params map[string]any) error {
	if k.schemaCompiled == nil {
		return nil
	}
	return k.schemaCompiled.Validate(sanitizeKindParams(params))
}

// render 把参数注入模板 inputs 后序列化为策略 JSON。
func (k Kind) render(params map[string]any) ([]byte, error) {
	doc := make(map[string]interface{}, len(k.Spec))
	for key, val := range k.Spec {
		doc[key] = val
	}
	inputs := map[string]interface{}{}
	if base, ok := doc["inputs"].(map[string]interface{}); ok {
		for key, val := range base {
			inputs[key] = val
		}
	}
	for key, val := range sanitizeKindParams(params).(map[string]interface{}) {
		inputs[key] = val
	}
	if len(inputs) > 0 {
		doc["inputs"] = inputs
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("render strategy kind %s failed: %w", k.ID, err)
	}
	return raw, nil
}

func normalizeKind(name string, k Kind) Kind {
	k.ID = strings.TrimSpace(k.ID)
	if k.ID == "" {
		k.ID = strings.TrimSpace(name)
	}
	if k.Version <= 0 {
		k.Version = 1
	}
	k.Description = strings.TrimSpace(k.Description)
	if len(k.Schema) > 0 {
		if compiled, err := compileKindSchema(k.Schema); err != nil {
			logger.Errorf("strategy kind schema compile failed id=%s: %v", k.ID, err)
		} else {
			k.schemaCompiled = compiled
		}
	}
	return k
}

func cloneKindSnapshot(src KindSnapshot) KindSnapshot {
	dst := KindSnapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Kinds:    make(map[string]Kind, len(src.Kinds)),
	}
	for id, k := range src.Kinds {
		dst.Kinds[id] = k
	}
	return dst
}

// sanitizeKindParams 递归把字符串形式的数字转为 float64，
// 兼容前端表单把 "21" 当字符串传上来的情况。
func sanitizeKindParams(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeKindParams(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeKindParams(child)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return val
		}
		if num, err := strconv.ParseFloat(s, 64); err == nil {
			return num
		}
		return val
	case nil:
		return map[string]any{}
	default:
		return val
	}
}

func compileKindSchema(data map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func readKindFile(path string) (KindFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return KindFile{}, fmt.Errorf("read strategy kinds failed: %w", err)
	}
	var cfg KindFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return KindFile{}, fmt.Errorf("parse strategy kinds failed: %w", err)
	}
	return cfg, nil
}

// builtinKinds 内置模板。ma_cross 是参考实现：快慢 EMA 金叉入场、死叉出场。
func builtinKinds() map[string]Kind {
	maCross := Kind{
		ID:          "ma_cross",
		Description: "快慢 EMA 交叉：金叉做多入场，死叉出场",
		Version:     1,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"fast": map[string]interface{}{"type": "number", "minimum": 1.0},
				"slow": map[string]interface{}{"type": "number", "minimum": 2.0},
			},
			"additionalProperties": false,
		},
		Spec: map[string]interface{}{
			"inputs": map[string]interface{}{"fast": 9, "slow": 21},
			"indicators": []interface{}{
				map[string]interface{}{
					"id": "fast_ma", "fn": "EMA", "source": "close",
					"params": map[string]interface{}{"length": "$fast"},
				},
				map[string]interface{}{
					"id": "slow_ma", "fn": "EMA", "source": "close",
					"params": map[string]interface{}{"length": "$slow"},
				},
			},
			"rules": map[string]interface{}{
				"golden": []interface{}{"CROSSOVER", "fast_ma", "slow_ma"},
				"death":  []interface{}{"CROSSUNDER", "fast_ma", "slow_ma"},
			},
			"entries": []interface{}{
				map[string]interface{}{"when": "golden", "side": "LONG"},
			},
			"exits": []interface{}{
				map[string]interface{}{"when": "death"},
			},
		},
	}
	return map[string]Kind{
		maCross.ID: normalizeKind(maCross.ID, maCross),
	}
}
