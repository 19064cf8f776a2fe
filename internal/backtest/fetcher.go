package backtest

import (
	"context"
	"fmt"

	"stratbox/internal/logger"
	"stratbox/internal/market"

	"golang.org/x/time/rate"
)

// Fetcher 负责把 [from,to] 区间的 K 线凑齐：缓存完整直接用缓存，
// 否则分页拉取远端并回填缓存。拉取失败不重试，错误原样上抛。
type Fetcher struct {
	source  CandleSource
	cache   *CandleStore
	limiter *rate.Limiter
	batch   int
}

// NewFetcher 构造拉取器。ratePerMin<=0 时默认每秒 8 个请求。
func NewFetcher(source CandleSource, cache *CandleStore, ratePerMin, batch int) *Fetcher {
	perSec := rate.Limit(float64(ratePerMin) / 60.0)
	if ratePerMin <= 0 {
		perSec = 8
	}
	if batch <= 0 {
		batch = 1000
	}
	return &Fetcher{
		source:  source,
		cache:   cache,
		limiter: rate.NewLimiter(perSec, 1),
		batch:   batch,
	}
}

// Candles 返回对齐后区间内升序、去重的 K 线。
func (f *Fetcher) Candles(ctx context.Context, pair string, tf Timeframe, from, to int64) ([]market.Candle, error) {
	from, to = tf.AlignRange(from, to)
	if from == to {
		return nil, fmt.Errorf("from 与 to 需要构成区间")
	}
	expected := tf.ExpectedCandles(from, to)

	if f.cache != nil {
		cached, err := f.cache.Range(ctx, pair, tf.Key, from, to)
		if err != nil {
			logger.Warnf("candle cache read failed pair=%s tf=%s: %v", pair, tf.Key, err)
		} else if int64(len(cached)) >= expected {
			return cached, nil
		}
	}

	step := tf.durationMillis()
	var out []market.Candle
	cursor := from
	for cursor <= to {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		batch, err := f.source.Fetch(ctx, FetchRequest{
			Pair:     pair,
			Interval: tf.SourceInterval,
			Start:    cursor,
			End:      to,
			Limit:    f.batch,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch failed: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		advanced := false
		for _, c := range batch {
			if c.Time < cursor || c.Time > to {
				continue
			}
			out = append(out, c)
			advanced = true
		}
		last := batch[len(batch)-1].Time
		if last+step <= cursor && !advanced {
			// 数据源原地踏步，终止而不是空转。
			break
		}
		next := last + step
		if next <= cursor {
			next = cursor + step
		}
		cursor = next
	}

	if f.cache != nil && len(out) > 0 {
		if _, err := f.cache.Upsert(ctx, pair, tf.Key, out); err != nil {
			logger.Warnf("candle cache write failed pair=%s tf=%s: %v", pair, tf.Key, err)
		}
	}
	return out, nil
}
