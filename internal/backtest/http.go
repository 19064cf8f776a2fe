package backtest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"stratbox/internal/strategy"

	"github.com/gin-gonic/gin"
)

// HTTPServer 提供 Gin 接口：提交/查询回测、策略模板与预览、存量策略。
type HTTPServer struct {
	addr    string
	sim     *Simulator
	results *ResultStore
	fetcher *Fetcher
	kinds   *strategy.KindRegistry
	saved   *strategy.SavedStrategyStore
	router  *gin.Engine
}

// HTTPConfig 配置 HTTPServer。
type HTTPConfig struct {
	Addr      string
	Simulator *Simulator
	Results   *ResultStore
	Fetcher   *Fetcher
	Kinds     *strategy.KindRegistry
	Saved     *strategy.SavedStrategyStore
}

// NewHTTPServer 组装路由。
func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Simulator == nil || cfg.Results == nil {
		return nil, errors.New("simulator/results 不能为空")
	}
	if cfg.Kinds == nil {
		return nil, errors.New("kind registry 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &HTTPServer{
		addr:    cfg.Addr,
		sim:     cfg.Simulator,
		results: cfg.Results,
		fetcher: cfg.Fetcher,
		kinds:   cfg.Kinds,
		saved:   cfg.Saved,
		router:  router,
	}
	s.registerRoutes()
	return s, nil
}

// Router 暴露底层路由（测试用）。
func (s *HTTPServer) Router() http.Handler { return s.router }

func (s *HTTPServer) registerRoutes() {
	bt := s.router.Group("/api/backtest")
	bt.POST("/runs", s.handleRunStart)
	bt.GET("/runs", s.handleRunList)
	bt.GET("/runs/:id", s.handleRunDetail)
	bt.GET("/runs/:id/trades", s.handleRunTrades)
	bt.GET("/runs/:id/equity", s.handleRunEquity)
	bt.GET("/runs/:id/trades.csv", s.handleRunTradesCSV)
	bt.GET("/runs/:id/chart", s.handleRunChart)
	bt.GET("/timeframes", s.handleTimeframes)

	st := s.router.Group("/api/strategy")
	st.GET("/kinds", s.handleKinds)
	st.POST("/validate", s.handleValidate)
	st.POST("/preview", s.handlePreview)
	if s.saved != nil {
		st.POST("/specs", s.handleSpecCreate)
		st.GET("/specs", s.handleSpecList)
		st.GET("/specs/:id", s.handleSpecGet)
		st.PUT("/specs/:id", s.handleSpecUpdate)
		st.DELETE("/specs/:id", s.handleSpecDelete)
	}
}

// writeStrategyError 校验错误回 422 并带逐条 path/message，其余回 400。
func writeStrategyError(c *gin.Context, err error) {
	var vErr *strategy.SpecValidationError
	if errors.As(err, &vErr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"ok": false, "errors": vErr.Errors})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *HTTPServer) handleRunStart(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.sim.StartRun(req)
	if err != nil {
		writeStrategyError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *HTTPServer) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *HTTPServer) handleRunDetail(c *gin.Context) {
	result, err := s.results.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *HTTPServer) handleRunTrades(c *gin.Context) {
	trades, err := s.results.ListTrades(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *HTTPServer) handleRunEquity(c *gin.Context) {
	equity, err := s.results.ListEquity(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"equity": equity})
}

func (s *HTTPServer) handleRunTradesCSV(c *gin.Context) {
	id := c.Param("id")
	trades, err := s.results.ListTrades(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s_trades.csv", id))
	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"id", "t", "side", "qty", "price", "fee"})
	for _, t := range trades {
		_ = w.Write([]string{
			strconv.FormatInt(t.ID, 10),
			strconv.FormatInt(t.Time, 10),
			t.Side,
			strconv.FormatFloat(t.Qty, 'f', -1, 64),
			strconv.FormatFloat(t.Price, 'f', -1, 64),
			strconv.FormatFloat(t.Fee, 'f', -1, 64),
		})
	}
	w.Flush()
}

func (s *HTTPServer) handleRunChart(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := s.results.GetRun(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	equity, err := s.results.ListEquity(ctx, run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := RenderEquityChart(c.Writer, run, equity); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *HTTPServer) handleTimeframes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"timeframes": SupportedTimeframes()})
}

func (s *HTTPServer) handleKinds(c *gin.Context) {
	type kindInfo struct {
		Kind        string         `json:"kind"`
		Description string         `json:"description,omitempty"`
		Schema      map[string]any `json:"schema,omitempty"`
	}
	kinds := s.kinds.List()
	out := make([]kindInfo, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, kindInfo{Kind: k.ID, Description: k.Description, Schema: k.Schema})
	}
	c.JSON(http.StatusOK, gin.H{"kinds": out})
}

type strategyPayload struct {
	Kind   string          `json:"kind"`
	Params map[string]any  `json:"params"`
	Spec   json.RawMessage `json:"spec"`
}

// resolveSpec 把 kind/params 或内联 spec 统一解析为已校验的 Spec。
func (s *HTTPServer) resolveSpec(p strategyPayload) (*strategy.Spec, error) {
	if p.Kind != "" {
		return s.kinds.Build(p.Kind, p.Params)
	}
	if len(p.Spec) == 0 {
		return nil, fmt.Errorf("缺少策略：kind 与 spec 至少给一个")
	}
	spec, err := strategy.ParseSpec(p.Spec)
	if err != nil {
		return nil, err
	}
	if errs := strategy.Validate(spec); len(errs) > 0 {
		return nil, &strategy.SpecValidationError{Errors: errs}
	}
	return spec, nil
}

func (s *HTTPServer) handleValidate(c *gin.Context) {
	var p strategyPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.resolveSpec(p); err != nil {
		writeStrategyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "errors": []strategy.ValidationError{}})
}

func (s *HTTPServer) handlePreview(c *gin.Context) {
	var req struct {
		strategyPayload
		Pair      string `json:"pair"`
		Timeframe string `json:"timeframe"`
		From      int64  `json:"from"`
		To        int64  `json:"to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.fetcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "预览需要数据源"})
		return
	}
	spec, err := s.resolveSpec(req.strategyPayload)
	if err != nil {
		writeStrategyError(c, err)
		return
	}
	tf, err := ParseTimeframe(req.Timeframe)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	candles, err := s.fetcher.Candles(c.Request.Context(), req.Pair, tf, req.From, req.To)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	preview, err := strategy.Preview(spec, candles)
	if err != nil {
		writeStrategyError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

type savedSpecRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Spec        json.RawMessage `json:"spec"`
}

func (s *HTTPServer) handleSpecCreate(c *gin.Context) {
	var req savedSpecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := s.saved.Create(c.Request.Context(), req.Name, req.Description, req.Spec)
	if err != nil {
		writeStrategyError(c, err)
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *HTTPServer) handleSpecList(c *gin.Context) {
	list, err := s.saved.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": list})
}

func (s *HTTPServer) handleSpecGet(c *gin.Context) {
	saved, err := s.saved.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, strategy.ErrStrategyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *HTTPServer) handleSpecUpdate(c *gin.Context) {
	var req savedSpecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := s.saved.Update(c.Request.Context(), c.Param("id"), req.Name, req.Description, req.Spec)
	if err != nil {
		if errors.Is(err, strategy.ErrStrategyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "strategy not found"})
			return
		}
		writeStrategyError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *HTTPServer) handleSpecDelete(c *gin.Context) {
	if err := s.saved.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Start 启动 HTTP 服务并随 ctx 优雅退出。
func (s *HTTPServer) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
