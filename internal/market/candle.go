package market

import (
	"fmt"
	"strings"
)

// Candle 表示一根已收盘的 K 线，Time 为开盘毫秒时间戳。
type Candle struct {
	Time   int64   `json:"t"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
}

// PriceSource 指定指标计算取价方式。
type PriceSource string

const (
	SourceOpen  PriceSource = "open"
	SourceHigh  PriceSource = "high"
	SourceLow   PriceSource = "low"
	SourceClose PriceSource = "close"
	SourceHL2   PriceSource = "hl2"
	SourceHLC3  PriceSource = "hlc3"
	SourceOHLC4 PriceSource = "ohlc4"
)

// ParsePriceSource 标准化取价方式，空值默认 close。
func ParsePriceSource(input string) (PriceSource, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	if key == "" {
		return SourceClose, nil
	}
	switch PriceSource(key) {
	case SourceOpen, SourceHigh, SourceLow, SourceClose, SourceHL2, SourceHLC3, SourceOHLC4:
		return PriceSource(key), nil
	}
	return "", fmt.Errorf("不支持的取价方式: %s", input)
}

// Project 按取价方式把 K 线序列投影为价格序列。
func Project(candles []Candle, src PriceSource) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		switch src {
		case SourceOpen:
			out[i] = c.Open
		case SourceHigh:
			out[i] = c.High
		case SourceLow:
			out[i] = c.Low
		case SourceHL2:
			out[i] = (c.High + c.Low) / 2
		case SourceHLC3:
			out[i] = (c.High + c.Low + c.Close) / 3
		case SourceOHLC4:
			out[i] = (c.Open + c.High + c.Low + c.Close) / 4
		default:
			out[i] = c.Close
		}
	}
	return out
}

// Closes 返回收盘价序列。
func Closes(candles []Candle) []float64 {
	return Project(candles, SourceClose)
}

// Highs 返回最高价序列。
func Highs(candles []Candle) []float64 {
	return Project(candles, SourceHigh)
}

// Lows 返回最低价序列。
func Lows(candles []Candle) []float64 {
	return Project(candles, SourceLow)
}
