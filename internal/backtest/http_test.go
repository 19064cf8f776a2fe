package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"stratbox/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*HTTPServer, *ResultStore) {
	t.Helper()
	candles := trendCandles(50)
	src := &trendSource{candles: candles}
	results, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = results.Close() })
	kinds, err := strategy.NewKindRegistry("")
	require.NoError(t, err)
	saved, err := strategy.NewSavedStrategyStore(filepath.Join(t.TempDir(), "strategies.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = saved.Close() })
	fetcher := NewFetcher(src, nil, 0, 500)
	sim, err := NewSimulator(SimulatorConfig{Fetcher: fetcher, Results: results, Kinds: kinds})
	require.NoError(t, err)
	srv, err := NewHTTPServer(HTTPConfig{
		Simulator: sim,
		Results:   results,
		Fetcher:   fetcher,
		Kinds:     kinds,
		Saved:     saved,
	})
	require.NoError(t, err)
	return srv, results
}

func doJSON(t *testing.T, srv *HTTPServer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHTTPRunLifecycle(t *testing.T) {
	srv, results := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/backtest/runs", map[string]any{
		"pair":      "BTCUSDT",
		"timeframe": "1h",
		"from":      3_600_000,
		"to":        49 * 3_600_000,
		"kind":      "ma_cross",
		"params":    map[string]any{"fast": 5, "slow": 20},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted struct {
		Run Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.Run.ID)

	done := waitForRun(t, results, accepted.Run.ID)
	require.Equal(t, RunStatusDone, done.Status)

	rec = doJSON(t, srv, http.MethodGet, "/api/backtest/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), accepted.Run.ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/backtest/runs/"+accepted.Run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Len(t, result.Trades, 2)
	assert.NotEmpty(t, result.Equity)

	rec = doJSON(t, srv, http.MethodGet, "/api/backtest/runs/"+accepted.Run.ID+"/trades.csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Equal(t, "id,t,side,qty,price,fee", lines[0])
	assert.Len(t, lines, 3, "表头 + 两笔成交")

	rec = doJSON(t, srv, http.MethodGet, "/api/backtest/runs/"+accepted.Run.ID+"/chart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "echarts")
}

func TestHTTPRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/backtest/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPRunRejectsInvalidSpec(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/backtest/runs", map[string]any{
		"pair":      "BTCUSDT",
		"timeframe": "1h",
		"from":      3_600_000,
		"to":        49 * 3_600_000,
		"spec": json.RawMessage(`{
			"indicators": [{"id": "e1", "fn": "EMA", "params": {"length": 10}}],
			"rules": {"r1": [">", "e1", "unknown"]},
			"entries": [{"when": "r1"}]
		}`),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "rules.r1")
}

func TestHTTPKindsAndValidate(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/strategy/kinds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ma_cross")
	assert.Contains(t, rec.Body.String(), "schema")

	rec = doJSON(t, srv, http.MethodPost, "/api/strategy/validate", map[string]any{
		"kind": "ma_cross", "params": map[string]any{"fast": 5, "slow": 20},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)

	rec = doJSON(t, srv, http.MethodPost, "/api/strategy/validate", map[string]any{
		"spec": json.RawMessage(`{"rules": {"r1": [">", "ghost", 1]}}`),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":false`)
	assert.Contains(t, rec.Body.String(), "rules.r1")
}

func TestHTTPPreview(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/strategy/preview", map[string]any{
		"pair":      "BTCUSDT",
		"timeframe": "1h",
		"from":      3_600_000,
		"to":        49 * 3_600_000,
		"kind":      "ma_cross",
		"params":    map[string]any{"fast": 5, "slow": 20},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var preview strategy.PreviewResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preview))
	assert.Len(t, preview.OHLCV, 49)
	assert.Contains(t, preview.Overlays, "fast_ma")
	assert.NotEmpty(t, preview.Signals)
}

func TestHTTPSavedStrategies(t *testing.T) {
	srv, _ := newTestServer(t)
	specJSON := json.RawMessage(`{
		"indicators": [{"id": "rsi", "fn": "RSI", "params": {"length": 14}}],
		"rules": {"dip": ["<", "rsi", 30]},
		"entries": [{"when": "dip"}]
	}`)

	rec := doJSON(t, srv, http.MethodPost, "/api/strategy/specs", map[string]any{
		"name": "rsi 超卖", "spec": specJSON,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var saved strategy.SavedStrategy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))

	rec = doJSON(t, srv, http.MethodGet, "/api/strategy/specs/"+saved.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// 改成带病版本必须 422。
	rec = doJSON(t, srv, http.MethodPut, "/api/strategy/specs/"+saved.ID, map[string]any{
		"name": "broken",
		"spec": json.RawMessage(`{"rules": {"r1": [">", "ghost", 1]}}`),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/strategy/specs/"+saved.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, srv, http.MethodGet, "/api/strategy/specs/"+saved.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPTimeframes(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/backtest/timeframes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1h")
}

func TestHTTPShutdownOnContextCancel(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	cancel()
	assert.NoError(t, <-errCh)
}
