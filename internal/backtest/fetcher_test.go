package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"stratbox/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource 用固定步长造 K 线，记录收到的请求。
type fakeSource struct {
	step     int64
	maxTime  int64
	requests []FetchRequest
	err      error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(_ context.Context, req FetchRequest) ([]market.Candle, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	var out []market.Candle
	for ts := req.Start; ts <= f.maxTime && len(out) < req.Limit; ts += f.step {
		price := 100 + float64(ts/f.step)
		out = append(out, market.Candle{
			Time: ts, Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 1,
		})
	}
	return out, nil
}

func testTF(t *testing.T) Timeframe {
	t.Helper()
	tf, err := ParseTimeframe("1h")
	require.NoError(t, err)
	return tf
}

func TestFetcherPaginatesBoundedRange(t *testing.T) {
	tf := testTF(t)
	step := tf.Duration.Milliseconds()
	src := &fakeSource{step: step, maxTime: step * 1000}
	f := NewFetcher(src, nil, 0, 10)

	from, to := step*5, step*30
	candles, err := f.Candles(context.Background(), "BTCUSDT", tf, from, to)
	require.NoError(t, err)
	require.Len(t, candles, 26, "闭区间共 26 根")
	assert.Equal(t, from, candles[0].Time)
	assert.Equal(t, to, candles[len(candles)-1].Time)
	// 每批 10 根，26 根需要 3 次请求。
	assert.Len(t, src.requests, 3)
	for i := 1; i < len(candles); i++ {
		assert.Equal(t, step, candles[i].Time-candles[i-1].Time, "序列连续无空洞")
	}
}

func TestFetcherStopsOnEmptyBatch(t *testing.T) {
	tf := testTF(t)
	step := tf.Duration.Milliseconds()
	// 数据源只有 12 根，区间却要 100 根。
	src := &fakeSource{step: step, maxTime: step * 12}
	f := NewFetcher(src, nil, 0, 10)

	candles, err := f.Candles(context.Background(), "BTCUSDT", tf, step, step*100)
	require.NoError(t, err)
	assert.Len(t, candles, 12)
}

func TestFetcherPropagatesSourceError(t *testing.T) {
	tf := testTF(t)
	src := &fakeSource{step: tf.Duration.Milliseconds(), err: errors.New("boom")}
	f := NewFetcher(src, nil, 0, 10)

	_, err := f.Candles(context.Background(), "BTCUSDT", tf, 0, tf.Duration.Milliseconds()*10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch failed")
	assert.Len(t, src.requests, 1, "不做重试")
}

func TestFetcherUsesCompleteCache(t *testing.T) {
	tf := testTF(t)
	step := tf.Duration.Milliseconds()
	cache, err := NewCandleStore(t.TempDir())
	require.NoError(t, err)
	defer cache.Close()

	src := &fakeSource{step: step, maxTime: step * 100}
	f := NewFetcher(src, cache, 0, 50)
	ctx := context.Background()

	first, err := f.Candles(ctx, "ETHUSDT", tf, step*10, step*40)
	require.NoError(t, err)
	require.Len(t, first, 31)
	fetched := len(src.requests)
	assert.Greater(t, fetched, 0)

	// 第二次同区间直接命中缓存，不再打数据源。
	second, err := f.Candles(ctx, "ETHUSDT", tf, step*10, step*40)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, src.requests, fetched)
}

func TestFetcherRejectsDegenerateRange(t *testing.T) {
	tf := testTF(t)
	f := NewFetcher(&fakeSource{step: tf.Duration.Milliseconds()}, nil, 0, 10)
	_, err := f.Candles(context.Background(), "BTCUSDT", tf, 12345, 12345)
	assert.Error(t, err)
}

func TestCandleStoreUpsertOverwrites(t *testing.T) {
	store, err := NewCandleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	base := []market.Candle{
		{Time: 1000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Time: 2000, Open: 1.5, High: 3, Low: 1, Close: 2, Volume: 20},
	}
	n, err := store.Upsert(ctx, "BTCUSDT", "1h", base)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 覆盖第二根。
	_, err = store.Upsert(ctx, "BTCUSDT", "1h", []market.Candle{
		{Time: 2000, Open: 9, High: 9, Low: 9, Close: 9, Volume: 9},
	})
	require.NoError(t, err)

	got, err := store.Range(ctx, "BTCUSDT", "1h", 1, 3000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 9.0, got[1].Close)

	cov, err := store.Coverage(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), cov.MinTime)
	assert.Equal(t, int64(2000), cov.MaxTime)
	assert.Equal(t, int64(2), cov.Rows)
}

func TestTimeframeHelpers(t *testing.T) {
	tf := testTF(t)
	start, end := tf.AlignRange(3_700_000, 3_599_999)
	assert.Equal(t, int64(3_600_000), start, "对齐到整点且自动交换顺序")
	assert.Equal(t, int64(3_600_000), end)
	assert.Equal(t, int64(1), tf.ExpectedCandles(start, end))
	assert.Equal(t, int64(25), tf.ExpectedCandles(0, 24*time.Hour.Milliseconds()))

	_, err := ParseTimeframe("13m")
	assert.Error(t, err)
	assert.Contains(t, SupportedTimeframes(), "1h")
}
