package app

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"stratbox/internal/backtest"
	"stratbox/internal/config"
	"stratbox/internal/logger"
	"stratbox/internal/strategy"

	"golang.org/x/sync/errgroup"
)

// App 应用级编排：加载配置 → 初始化依赖 → 启动 HTTP 服务。
type App struct {
	cfg     *config.Config
	http    *backtest.HTTPServer
	sim     *backtest.Simulator
	candles *backtest.CandleStore
	results *backtest.ResultStore
	saved   *strategy.SavedStrategyStore
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.Log.Level)

	candles, err := backtest.NewCandleStore(filepath.Join(cfg.Data.Root, "candles"))
	if err != nil {
		return nil, fmt.Errorf("init candle store: %w", err)
	}
	results, err := backtest.NewResultStore(filepath.Join(cfg.Data.Root, "results"))
	if err != nil {
		return nil, fmt.Errorf("init result store: %w", err)
	}
	kinds, err := strategy.NewKindRegistry(cfg.Strategy.KindsFile)
	if err != nil {
		return nil, fmt.Errorf("init kind registry: %w", err)
	}
	saved, err := strategy.NewSavedStrategyStore(cfg.Strategy.StoreFile)
	if err != nil {
		return nil, fmt.Errorf("init strategy store: %w", err)
	}
	source := backtest.NewBinanceSource(cfg.Source.BaseURL)
	fetcher := backtest.NewFetcher(source, candles, cfg.Source.RateLimitPerMin, cfg.Source.MaxBatch)
	sim, err := backtest.NewSimulator(backtest.SimulatorConfig{
		Fetcher:       fetcher,
		Results:       results,
		Kinds:         kinds,
		MaxConcurrent: cfg.Backtest.MaxConcurrent,
	})
	if err != nil {
		return nil, fmt.Errorf("init simulator: %w", err)
	}
	httpSrv, err := backtest.NewHTTPServer(backtest.HTTPConfig{
		Addr:      cfg.Server.Addr,
		Simulator: sim,
		Results:   results,
		Fetcher:   fetcher,
		Kinds:     kinds,
		Saved:     saved,
	})
	if err != nil {
		return nil, fmt.Errorf("init http server: %w", err)
	}
	return &App{
		cfg:     cfg,
		http:    httpSrv,
		sim:     sim,
		candles: candles,
		results: results,
		saved:   saved,
	}, nil
}

// Run 启动服务并阻塞到收到退出信号或出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.close()

	a.sim.SetContext(ctx)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("HTTP 服务监听 %s", a.cfg.Server.Addr)
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	return group.Wait()
}

func (a *App) close() {
	if a.candles != nil {
		_ = a.candles.Close()
	}
	if a.results != nil {
		_ = a.results.Close()
	}
	if a.saved != nil {
		_ = a.saved.Close()
	}
}
