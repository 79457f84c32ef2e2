// Package strategy turns forecasts, filing sentiment and anomalies into
// Buy/Sell/Hold recommendations.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/WessleyAI/filings-analyst/engine/analysis"
	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/forecast"
	"github.com/WessleyAI/filings-analyst/pkg/fn"
)

// Decisions.
const (
	Buy  = "Buy"
	Sell = "Sell"
	Hold = "Hold"
)

const maxSourceTitles = 5

// Forecaster projects prices for tickers.
type Forecaster interface {
	ForecastMany(ctx context.Context, tickers []string, horizon int) ([]forecast.TickerForecast, error)
}

// Signals supplies the filing-derived inputs.
type Signals interface {
	Sentiment(ctx context.Context, limitDocs int) (*analysis.SentimentReport, error)
	Anomalies(ctx context.Context, limitDocs int) (*analysis.AnomalyReport, error)
}

// Titles lists document titles, newest first.
type Titles interface {
	ListDocuments(ctx context.Context, limit int) ([]domain.Document, error)
}

// StrategyMetrics are the inputs the decision was made on.
type StrategyMetrics struct {
	ExpectedChangePct float64 `json:"expectedChangePct"`
	Volatility        float64 `json:"volatility"`
	Sentiment         float64 `json:"sentiment"`
	Trend             string  `json:"trend"`
}

// Recommendation is the advice for one ticker.
type Recommendation struct {
	Symbol     string          `json:"symbol"`
	Decision   string          `json:"decision"`
	Confidence float64         `json:"confidence"`
	Metrics    StrategyMetrics `json:"metrics"`
	Reasons    []string        `json:"reasons"`
	Sources    []string        `json:"sources"`
}

// Advisor combines forecast and filing signals per ticker.
type Advisor struct {
	forecaster Forecaster
	signals    Signals
	titles     Titles
	tickers    TickerMap
	logger     *slog.Logger
}

// NewAdvisor creates an Advisor. A nil tickers map uses DefaultTickerMap.
func NewAdvisor(f Forecaster, s Signals, t Titles, tickers TickerMap, logger *slog.Logger) *Advisor {
	if tickers == nil {
		tickers = DefaultTickerMap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{forecaster: f, signals: s, titles: t, tickers: tickers, logger: logger}
}

// Advise recommends an action for each ticker over the default horizon.
// Sentiment, anomaly and title lookups that fail are logged and treated as empty.
func (a *Advisor) Advise(ctx context.Context, tickers []string) ([]Recommendation, error) {
	symbols := domain.NormalizeTickers(tickers)
	forecasts, err := a.forecaster.ForecastMany(ctx, symbols, domain.DefaultHorizon)
	if err != nil {
		return nil, fmt.Errorf("strategy: forecast: %w", err)
	}

	var companies []analysis.CompanySentiment
	if rep, err := a.signals.Sentiment(ctx, 0); err != nil {
		a.logger.Warn("strategy: sentiment unavailable", "err", err)
	} else {
		companies = rep.Companies
	}
	var anomalies []analysis.Anomaly
	if rep, err := a.signals.Anomalies(ctx, 0); err != nil {
		a.logger.Warn("strategy: anomalies unavailable", "err", err)
	} else {
		anomalies = rep.Anomalies
	}
	var titles []string
	if docs, err := a.titles.ListDocuments(ctx, 0); err != nil {
		a.logger.Warn("strategy: document titles unavailable", "err", err)
	} else {
		for _, d := range docs {
			titles = append(titles, d.Title)
		}
	}

	bySymbol := make(map[string]forecast.TickerForecast, len(forecasts))
	for _, f := range forecasts {
		bySymbol[f.Symbol] = f
	}

	out := make([]Recommendation, 0, len(symbols))
	for _, sym := range symbols {
		f, ok := bySymbol[sym]
		if !ok {
			f = forecast.Empty(sym)
		}
		name := strings.ToLower(a.tickers.Name(sym))
		sent := sentimentFor(companies, name)
		high := highAnomaliesFor(anomalies, name)
		out = append(out, recommend(sym, f.Metrics, sent, high, titles))
	}
	return out, nil
}

func sentimentFor(companies []analysis.CompanySentiment, name string) float64 {
	for _, c := range companies {
		if strings.Contains(strings.ToLower(c.Name), name) {
			return c.Score
		}
	}
	return 0
}

func highAnomaliesFor(anomalies []analysis.Anomaly, name string) int {
	return len(fn.Filter(anomalies, func(an analysis.Anomaly) bool {
		return an.Severity == analysis.SeverityHigh && strings.Contains(strings.ToLower(an.Company), name)
	}))
}

// Decide applies the Buy/Sell/Hold rule.
func Decide(expectedChangePct, sentiment float64, highAnomalies int) string {
	switch {
	case expectedChangePct >= 5 && sentiment > 0.1 && highAnomalies == 0:
		return Buy
	case expectedChangePct <= -3 || sentiment < -0.2 || highAnomalies > 0:
		return Sell
	default:
		return Hold
	}
}

// Confidence scores a recommendation in [10, 95].
func Confidence(expectedChangePct, sentiment float64, highAnomalies int, trend string) float64 {
	c := 60 + clamp(expectedChangePct/2, -10, 10) + sentiment*20
	if highAnomalies > 0 {
		c -= 15
	}
	switch trend {
	case forecast.TrendUp:
		c += 5
	case forecast.TrendDown:
		c -= 5
	}
	return clamp(c, 10, 95)
}

func recommend(sym string, m forecast.Metrics, sent float64, high int, titles []string) Recommendation {
	trend := m.Trend
	if trend == "" {
		trend = forecast.TrendFlat
	}
	reasons := []string{
		fmt.Sprintf("%dd forecast: %.2f%% (%s trend)", domain.DefaultHorizon, m.ExpectedChangePct, trend),
		fmt.Sprintf("Volatility (σ): %.2f%%", m.Volatility),
		fmt.Sprintf("Sentiment: %.2f", sent),
	}
	if high == 1 {
		reasons = append(reasons, "1 high-severity anomaly detected in filings")
	} else if high > 1 {
		reasons = append(reasons, fmt.Sprintf("%d high-severity anomalies detected in filings", high))
	}

	sources := []string{"Market data: Yahoo Finance (2y daily) for " + sym}
	if len(titles) > 0 {
		shown := titles
		suffix := ""
		if len(shown) > maxSourceTitles {
			shown, suffix = shown[:maxSourceTitles], "…"
		}
		sources = append(sources, fmt.Sprintf("Uploaded documents (%d): %s%s", len(titles), strings.Join(shown, ", "), suffix))
	}

	return Recommendation{
		Symbol:     sym,
		Decision:   Decide(m.ExpectedChangePct, sent, high),
		Confidence: Confidence(m.ExpectedChangePct, sent, high, trend),
		Metrics: StrategyMetrics{
			ExpectedChangePct: m.ExpectedChangePct,
			Volatility:        m.Volatility,
			Sentiment:         sent,
			Trend:             trend,
		},
		Reasons: reasons,
		Sources: sources,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
