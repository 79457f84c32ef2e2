// Package forecast projects closing prices with a least-squares line over
// recent daily history.
package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
)

const dateLayout = "2006-01-02"

// Trend directions.
const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"
)

// Metrics summarises one ticker's history and projection.
type Metrics struct {
	LastClose         float64 `json:"lastClose"`
	Trend             string  `json:"trend"`
	ExpectedChangePct float64 `json:"expectedChangePct"`
	Volatility        float64 `json:"volatility"`
}

// TickerForecast is the history, projection and metrics for one symbol.
type TickerForecast struct {
	Symbol   string                 `json:"symbol"`
	History  []domain.PricePoint    `json:"history"`
	Forecast []domain.ForecastPoint `json:"forecast"`
	Metrics  Metrics                `json:"metrics"`
}

// Empty is the result reported for a ticker that could not be forecast.
func Empty(symbol string) TickerForecast {
	return TickerForecast{
		Symbol:   symbol,
		History:  []domain.PricePoint{},
		Forecast: []domain.ForecastPoint{},
		Metrics:  Metrics{Trend: TrendFlat},
	}
}

// Options configures an Engine.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Engine forecasts tickers from a price Source.
type Engine struct {
	source Source
	logger *slog.Logger

	ok      *metrics.Counter
	failed  *metrics.Counter
	latency *metrics.Histogram
}

// New creates an Engine.
func New(source Source, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		source:  source,
		logger:  opts.Logger,
		ok:      opts.Metrics.Counter(metrics.WithLabels("filings_forecasts_total", "result", "ok"), "Ticker forecasts."),
		failed:  opts.Metrics.Counter(metrics.WithLabels("filings_forecasts_total", "result", "failed"), "Ticker forecasts."),
		latency: opts.Metrics.Histogram("filings_forecast_duration_seconds", "Per-ticker forecast latency.", nil),
	}
}

// Forecast fetches symbol's history and projects horizon business days.
func (e *Engine) Forecast(ctx context.Context, symbol string, horizon int) (TickerForecast, error) {
	start := time.Now()
	defer e.latency.Since(start)
	series, err := e.source.History(ctx, symbol)
	if err != nil {
		return TickerForecast{}, err
	}
	return Project(symbol, series, horizon)
}

// ForecastMany forecasts each normalised ticker in order. A ticker that
// fails is reported with Empty and logged; only an invalid horizon fails
// the whole call.
func (e *Engine) ForecastMany(ctx context.Context, tickers []string, horizon int) ([]TickerForecast, error) {
	horizon, err := domain.ValidateHorizon(horizon)
	if err != nil {
		return nil, err
	}
	symbols := domain.NormalizeTickers(tickers)
	out := make([]TickerForecast, 0, len(symbols))
	for _, sym := range symbols {
		tf, err := e.Forecast(ctx, sym, horizon)
		if err != nil {
			e.logger.Warn("forecast: ticker failed", "symbol", sym, "err", err)
			e.failed.Inc()
			out = append(out, Empty(sym))
			continue
		}
		e.ok.Inc()
		out = append(out, tf)
	}
	return out, nil
}

// Project fits a line to series and extends it horizon business days past
// the last observed date.
func Project(symbol string, series []domain.PricePoint, horizon int) (TickerForecast, error) {
	if len(series) == 0 {
		return TickerForecast{}, fmt.Errorf("forecast: empty series for %s", symbol)
	}
	closes := make([]float64, len(series))
	for i, p := range series {
		closes[i] = p.Close
	}
	lastClose := closes[len(closes)-1]
	if math.IsNaN(lastClose) || math.IsInf(lastClose, 0) {
		return TickerForecast{}, fmt.Errorf("forecast: invalid last close for %s", symbol)
	}
	last, err := time.Parse(dateLayout, series[len(series)-1].Date)
	if err != nil {
		return TickerForecast{}, fmt.Errorf("forecast: bad date %q for %s: %w", series[len(series)-1].Date, symbol, err)
	}

	slope, intercept := FitLine(closes)
	level := mean(closes)
	direction := Trend(slope, level)
	if direction == TrendFlat {
		slope, intercept = 0, level
	}
	lastIndex := len(closes) - 1
	dates := NextBusinessDays(last, horizon)
	points := make([]domain.ForecastPoint, len(dates))
	for i, d := range dates {
		x := float64(lastIndex + i + 1)
		points[i] = domain.ForecastPoint{Date: d, Predicted: round2(slope*x + intercept)}
	}

	var expected float64
	if len(points) > 0 && lastClose != 0 {
		expected = (points[len(points)-1].Predicted - lastClose) / lastClose
	}

	return TickerForecast{
		Symbol:   symbol,
		History:  series,
		Forecast: points,
		Metrics: Metrics{
			LastClose:         round2(lastClose),
			Trend:             direction,
			ExpectedChangePct: round2(expected * 100),
			Volatility:        round2(Volatility(closes) * 100),
		},
	}, nil
}

// FitLine returns the ordinary least-squares slope and intercept of y over
// x = 0..len(y)-1, computed on mean-centred values. A degenerate fit has
// slope 0.
func FitLine(y []float64) (slope, intercept float64) {
	n := len(y)
	if n == 0 {
		return 0, 0
	}
	meanX, meanY := float64(n-1)/2, mean(y)
	var sxy, sxx float64
	for i, v := range y {
		dx := float64(i) - meanX
		sxy += dx * (v - meanY)
		sxx += dx * dx
	}
	if sxx != 0 {
		slope = sxy / sxx
	}
	return slope, meanY - slope*meanX
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// flatTolerance is the slope, relative to the series level, below which a
// fit counts as flat.
const flatTolerance = 1e-9

// Trend classifies slope against level, the mean close of the fitted series.
func Trend(slope, level float64) string {
	switch {
	case math.Abs(slope) <= flatTolerance*math.Max(1, math.Abs(level)):
		return TrendFlat
	case slope > 0:
		return TrendUp
	default:
		return TrendDown
	}
}

// Volatility is the sample standard deviation of simple daily returns.
func Volatility(closes []float64) float64 {
	var returns []float64
	for i := 1; i < len(closes); i++ {
		r := (closes[i] - closes[i-1]) / closes[i-1]
		if !math.IsNaN(r) && !math.IsInf(r, 0) {
			returns = append(returns, r)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}

// NextBusinessDays returns count dates after from, skipping Saturdays and Sundays.
func NextBusinessDays(from time.Time, count int) []string {
	out := make([]string, 0, max(count, 0))
	d := from
	for len(out) < count {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		out = append(out, d.Format(dateLayout))
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
