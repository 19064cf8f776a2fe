package backtest

import (
	"context"
	"fmt"
	"strings"

	"stratbox/internal/logger"
	"stratbox/internal/market"
	"stratbox/internal/strategy"

	"github.com/google/uuid"
)

// SimulatorConfig 配置 Simulator。
type SimulatorConfig struct {
	Fetcher       *Fetcher
	Results       *ResultStore
	Kinds         *strategy.KindRegistry
	MaxConcurrent int
}

// Simulator 把历史 K 线 + 声明式策略推演为资金曲线。
// 每个任务独占一个 goroutine，worker 数由信号量限制。
type Simulator struct {
	fetcher *Fetcher
	results *ResultStore
	kinds   *strategy.KindRegistry

	sem     chan struct{}
	baseCtx context.Context
}

// NewSimulator 构造模拟器。
func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher 不能为空")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store 不能为空")
	}
	if cfg.Kinds == nil {
		return nil, fmt.Errorf("kind registry 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Simulator{
		fetcher: cfg.Fetcher,
		results: cfg.Results,
		kinds:   cfg.Kinds,
		sem:     make(chan struct{}, maxConcurrent),
		baseCtx: context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于整体取消。
func (s *Simulator) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Simulator) ctx() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// buildSpec 解析请求里的策略：kind 走模板注册表，否则用内联 spec。
func (s *Simulator) buildSpec(req RunRequest) (*strategy.Spec, error) {
	if strings.TrimSpace(req.Kind) != "" {
		return s.kinds.Build(req.Kind, req.Params)
	}
	if len(req.Spec) == 0 {
		return nil, fmt.Errorf("缺少策略：kind 与 spec 至少给一个")
	}
	spec, err := strategy.ParseSpec(req.Spec)
	if err != nil {
		return nil, err
	}
	if errs := strategy.Validate(spec); len(errs) > 0 {
		return nil, &strategy.SpecValidationError{Errors: errs}
	}
	return spec, nil
}

// StartRun 同步完成参数与策略校验，登记任务后立即返回；
// 拉取与模拟在后台进行。
func (s *Simulator) StartRun(req RunRequest) (Run, error) {
	pair := strings.ToUpper(strings.TrimSpace(req.Pair))
	if pair == "" {
		return Run{}, fmt.Errorf("pair 不能为空")
	}
	tf, err := ParseTimeframe(req.Timeframe)
	if err != nil {
		return Run{}, err
	}
	from, to := tf.AlignRange(req.From, req.To)
	if from <= 0 || to <= from {
		return Run{}, fmt.Errorf("from/to 非法")
	}
	initialCash := req.InitialCash
	if initialCash <= 0 {
		initialCash = 10000
	}
	if req.FeePct < 0 || req.SlippagePct < 0 {
		return Run{}, fmt.Errorf("feePct/slippagePct 不能为负")
	}

	spec, err := s.buildSpec(req)
	if err != nil {
		return Run{}, err
	}

	cfg := RunConfig{
		Pair:        pair,
		Timeframe:   tf.Key,
		From:        from,
		To:          to,
		InitialCash: initialCash,
		FeePct:      req.FeePct,
		SlippagePct: req.SlippagePct,
		Kind:        strings.TrimSpace(req.Kind),
		Spec:        spec.Raw,
	}
	run := Run{
		ID:          uuid.NewString(),
		Pair:        pair,
		Timeframe:   tf.Key,
		Status:      RunStatusPending,
		From:        from,
		To:          to,
		InitialCash: initialCash,
		FinalEquity: initialCash,
		Config:      cfg,
	}
	if err := s.results.InsertRun(s.ctx(), run); err != nil {
		return Run{}, err
	}
	go s.runLoop(run, tf, spec)
	return run, nil
}

func (s *Simulator) runLoop(run Run, tf Timeframe, spec *strategy.Spec) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	ctx := s.ctx()
	fail := func(stage string, err error) {
		logger.Warnf("[backtest] run %s %s 失败: %v", run.ID, stage, err)
		_ = s.results.UpdateRunStatus(ctx, run.ID, RunStatusFailed, err.Error())
	}

	_ = s.results.UpdateRunStatus(ctx, run.ID, RunStatusFetching, "拉取历史 K 线…")
	candles, err := s.fetcher.Candles(ctx, run.Pair, tf, run.From, run.To)
	if err != nil {
		fail("fetch", err)
		return
	}
	if len(candles) < 2 {
		fail("fetch", fmt.Errorf("区间内 K 线不足: %d", len(candles)))
		return
	}

	_ = s.results.UpdateRunStatus(ctx, run.ID, RunStatusSimulating,
		fmt.Sprintf("模拟 %d 根 K 线…", len(candles)))
	trades, equity, err := Simulate(spec, candles, run.Config)
	if err != nil {
		fail("simulate", err)
		return
	}

	_ = s.results.UpdateRunStatus(ctx, run.ID, RunStatusPersisting, "写入结果…")
	FillDrawdown(equity)
	run.KPIs = ComputeKPIs(run.InitialCash, trades, equity)
	if len(equity) > 0 {
		run.FinalEquity = equity[len(equity)-1].Equity
	}
	run.Status = RunStatusDone
	run.Message = ""
	if err := s.results.SaveResult(ctx, run, trades, equity); err != nil {
		fail("persist", err)
		return
	}
	logger.Infof("[backtest] run %s 完成: pnl=%.2f trades=%d", run.ID, run.KPIs.PnL, run.KPIs.TradesCount)
}

// Simulate 顺序推演一段 K 线。资金规则：
//   - 成交价含滑点，买单加价、卖单减价；
//   - BUY 仅在空仓且有现金时成交，满仓买入，现金清零；
//   - SELL 仅在持仓时成交，全部平仓，净入金 = 成交额 −手续费；
//   - 每根收盘后按收盘价（而非成交价）记一笔权益快照。
//
// 纯函数：不看墙钟、无随机，同一输入必然得到同一输出。
func Simulate(spec *strategy.Spec, candles []market.Candle, cfg RunConfig) ([]Trade, []EquityPoint, error) {
	signals, err := strategy.Signals(spec, candles)
	if err != nil {
		return nil, nil, err
	}
	byTime := make(map[int64][]strategy.Signal, len(signals))
	for _, sig := range signals {
		byTime[sig.Time] = append(byTime[sig.Time], sig)
	}

	cash := cfg.InitialCash
	qty := 0.0
	var trades []Trade
	equity := make([]EquityPoint, 0, len(candles))

	for _, candle := range candles {
		for _, sig := range byTime[candle.Time] {
			switch sig.Type {
			case strategy.SignalEntry:
				if qty > 0 || cash <= 0 {
					continue
				}
				execPrice := candle.Close * (1 + cfg.SlippagePct)
				bought := cash / execPrice
				fee := execPrice * bought * cfg.FeePct
				trades = append(trades, Trade{
					Time: candle.Time, Side: "BUY",
					Qty: bought, Price: execPrice, Fee: fee, Rule: sig.Rule,
				})
				qty = bought
				cash = 0
			case strategy.SignalExit:
				if qty <= 0 {
					continue
				}
				execPrice := candle.Close * (1 - cfg.SlippagePct)
				gross := execPrice * qty
				fee := gross * cfg.FeePct
				trades = append(trades, Trade{
					Time: candle.Time, Side: "SELL",
					Qty: qty, Price: execPrice, Fee: fee, Rule: sig.Rule,
				})
				cash += gross - fee
				qty = 0
			}
		}
		equity = append(equity, EquityPoint{
			Time:   candle.Time,
			Equity: cash + qty*candle.Close,
		})
	}
	return trades, equity, nil
}
