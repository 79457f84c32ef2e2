// Package embed produces L2-normalised embedding vectors for passages and
// queries on top of a remote feature-extraction provider.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/pkg/fn"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
	"github.com/WessleyAI/filings-analyst/pkg/resilience"
)

// BatchSize is the number of texts callers send per Embed call.
const BatchSize = 24

// Intent distinguishes the two sides of asymmetric retrieval. Raw sends texts
// unchanged.
type Intent int

const (
	Passage Intent = iota
	Query
	Raw
)

// Prefix returns the marker prepended to every text of this intent.
func (i Intent) Prefix() string {
	switch i {
	case Query:
		return "query: "
	case Raw:
		return ""
	}
	return "passage: "
}

func (i Intent) String() string {
	switch i {
	case Query:
		return "query"
	case Raw:
		return "none"
	}
	return "passage"
}

// ParseIntent maps "query", "passage" and "none" (or "") to an Intent.
func ParseIntent(s string) (Intent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "raw":
		return Raw, nil
	case "query":
		return Query, nil
	case "passage":
		return Passage, nil
	}
	return Raw, domain.NewValidationError("intent", s, domain.ErrInvalidIntent)
}

// Provider returns one raw vector per input text, in order.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// transientCodes are upstream statuses worth another attempt.
var transientCodes = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// StatusError is a non-2xx answer from an embedding endpoint.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Code, e.Body)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// IsTransient reports whether err is a rate limit, an upstream 5xx or a
// network failure. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return transientCodes[sc.StatusCode()]
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Options configures a Service.
type Options struct {
	Retry   fn.RetryOpts
	Breaker *resilience.Breaker
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Service wraps a Provider with prefixing, retries and normalisation.
type Service struct {
	provider Provider
	retry    fn.RetryOpts
	breaker  *resilience.Breaker
	logger   *slog.Logger

	calls    func(intent string) *metrics.Counter
	failures *metrics.Counter
	duration *metrics.Histogram
}

// New creates a Service. Zero Options fields fall back to fn.UpstreamRetry,
// a default breaker and slog.Default.
func New(p Provider, opts Options) *Service {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fn.UpstreamRetry
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = IsTransient
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewBreaker(resilience.DefaultBreakerOpts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := opts.Metrics
	return &Service{
		provider: p,
		retry:    opts.Retry,
		breaker:  opts.Breaker,
		logger:   opts.Logger,
		calls:    m.EmbedCalls,
		failures: m.EmbedFailures(),
		duration: m.EmbedDuration(),
	}
}

// Model names the underlying embedding model.
func (s *Service) Model() string { return s.provider.Model() }

// Embed returns one unit-length vector per text. Callers batch to BatchSize.
func (s *Service) Embed(ctx context.Context, texts []string, intent Intent) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, domain.NewValidationError("texts", "", domain.ErrNoTexts)
	}
	prefixed := fn.Map(texts, func(t string) string { return intent.Prefix() + t })

	start := time.Now()
	s.calls(intent.String()).Inc()
	res := fn.Retry(ctx, s.retry, func(ctx context.Context) fn.Result[[][]float32] {
		return resilience.CallResult(s.breaker, ctx, func(ctx context.Context) fn.Result[[][]float32] {
			return fn.FromPair(s.provider.EmbedBatch(ctx, prefixed))
		})
	})
	s.duration.Since(start)

	vecs, err := res.Unwrap()
	if err != nil {
		s.failures.Inc()
		s.logger.Warn("embed: batch failed", "texts", len(texts), "intent", intent.String(), "err", err)
		return nil, fmt.Errorf("embed: %s batch of %d: %w", intent, len(texts), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed: provider returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for _, v := range vecs {
		Normalize(v)
	}
	return vecs, nil
}

// Normalize scales v to unit L2 length in place. A zero vector is left as is.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero or
// the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
