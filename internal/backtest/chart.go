package backtest

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	chartColorBackground = "#060c1b"
	chartColorText       = "#eceff4"
	chartColorTextDim    = "#9ca3af"
	chartColorEquity     = "#3b82f6"
	chartColorDrawdown   = "#f87171"
)

// RenderEquityChart 把资金曲线渲染为自包含的 ECharts HTML 页面。
func RenderEquityChart(w io.Writer, run Run, equity []EquityPoint) error {
	if len(equity) == 0 {
		return fmt.Errorf("run %s 没有资金曲线", run.ID)
	}
	xAxis := make([]string, 0, len(equity))
	eqData := make([]opts.LineData, 0, len(equity))
	ddData := make([]opts.LineData, 0, len(equity))
	for _, p := range equity {
		xAxis = append(xAxis, time.UnixMilli(p.Time).UTC().Format("2006-01-02 15:04"))
		eqData = append(eqData, opts.LineData{Value: p.Equity})
		ddData = append(ddData, opts.LineData{Value: -p.Drawdown})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           "1200px",
			Height:          "600px",
			BackgroundColor: chartColorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s %s 回测资金曲线", run.Pair, run.Timeframe),
			Subtitle: fmt.Sprintf("pnl=%.2f (%.2f%%) maxDD=%.2f%% winrate=%.1f%% trades=%d",
				run.KPIs.PnL, run.KPIs.PnLPct, run.KPIs.MaxDrawdown, run.KPIs.WinRate, run.KPIs.TradesCount),
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: chartColorText, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: chartColorTextDim},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: chartColorText}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: chartColorTextDim},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: chartColorTextDim},
		}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("Equity", eqData,
		charts.WithLineStyleOpts(opts.LineStyle{Color: chartColorEquity, Width: 2}))
	line.AddSeries("Drawdown %", ddData,
		charts.WithLineStyleOpts(opts.LineStyle{Color: chartColorDrawdown, Width: 1}))
	return line.Render(w)
}
