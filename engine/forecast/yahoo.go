package forecast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/WessleyAI/filings-analyst/engine/domain"
)

// DefaultYahooURL is the Yahoo Finance chart API host.
const DefaultYahooURL = "https://query1.finance.yahoo.com"

const userAgent = "Mozilla/5.0"

// Source returns a symbol's daily closing history, oldest first.
type Source interface {
	History(ctx context.Context, symbol string) ([]domain.PricePoint, error)
}

// Yahoo is a Source backed by the public Yahoo Finance chart endpoint.
type Yahoo struct {
	baseURL     string
	rateLimiter *rate.Limiter
	httpClient  *http.Client
}

// NewYahoo creates a Yahoo source. An empty baseURL means DefaultYahooURL.
func NewYahoo(baseURL string) *Yahoo {
	if baseURL == "" {
		baseURL = DefaultYahooURL
	}
	return &Yahoo{
		baseURL:     baseURL,
		rateLimiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 4),
		httpClient:  &http.Client{Timeout: 20 * time.Second},
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// History fetches two years of daily closes. Adjusted closes are preferred.
func (y *Yahoo) History(ctx context.Context, symbol string) ([]domain.PricePoint, error) {
	if err := domain.ValidateTicker(symbol); err != nil {
		return nil, err
	}
	if err := y.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v8/finance/chart/%s?range=2y&interval=1d&includeAdjustedClose=true", y.baseURL, url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forecast: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("forecast: yahoo status %d for %s", resp.StatusCode, symbol)
	}

	var cr chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("forecast: decode %s: %w", symbol, err)
	}
	if cr.Chart.Error != nil {
		return nil, fmt.Errorf("forecast: yahoo error for %s: %s", symbol, cr.Chart.Error.Description)
	}
	series := parseChart(cr)
	if len(series) == 0 {
		return nil, fmt.Errorf("forecast: no time series data for %s", symbol)
	}
	return series, nil
}

func parseChart(cr chartResponse) []domain.PricePoint {
	if len(cr.Chart.Result) == 0 {
		return nil
	}
	res := cr.Chart.Result[0]
	var adj, closes []*float64
	if len(res.Indicators.AdjClose) > 0 {
		adj = res.Indicators.AdjClose[0].AdjClose
	}
	if len(res.Indicators.Quote) > 0 {
		closes = res.Indicators.Quote[0].Close
	}

	out := make([]domain.PricePoint, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		v := at(adj, i)
		if v == nil {
			v = at(closes, i)
		}
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			continue
		}
		out = append(out, domain.PricePoint{
			Date:  time.Unix(ts, 0).UTC().Format(dateLayout),
			Close: *v,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func at(vals []*float64, i int) *float64 {
	if i < len(vals) {
		return vals[i]
	}
	return nil
}
