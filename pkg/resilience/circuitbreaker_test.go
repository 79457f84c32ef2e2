package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WessleyAI/filings-analyst/pkg/fn"
)

var errModel = errors.New("model 503")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(opts BreakerOpts) (*Breaker, *clock) {
	c := &clock{t: time.Date(2025, 3, 7, 9, 0, 0, 0, time.UTC)}
	b := NewBreaker(opts)
	b.now = c.now
	return b, c
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Call(context.Background(), func(context.Context) error { return errModel })
	}
}

func TestBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerOpts{})
	if b.opts.FailThreshold != 5 || b.opts.Timeout != 30*time.Second || b.opts.HalfOpenMax != 1 {
		t.Fatalf("unexpected defaults %+v", b.opts)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreaker_TripsAndRejects(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	failN(b, 2)
	if b.State() != StateClosed {
		t.Fatal("should stay closed below the threshold")
	}
	failN(b, 1)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	called := false
	err := b.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker should reject without calling, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{FailThreshold: 3})
	failN(b, 2)
	_ = b.Call(context.Background(), func(context.Context) error { return nil })
	failN(b, 2)
	if b.State() != StateClosed {
		t.Fatal("failures must be consecutive to trip")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, c := newTestBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second})
	failN(b, 1)
	c.advance(10 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	if err := b.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should run, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("successful probe should close, got %v", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, c := newTestBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Second})
	failN(b, 2)
	c.advance(time.Second)
	failN(b, 1)
	if b.State() != StateOpen {
		t.Fatalf("failed probe should reopen, got %v", b.State())
	}
}

func TestBreaker_HalfOpenLimit(t *testing.T) {
	b, c := newTestBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second, HalfOpenMax: 1})
	failN(b, 1)
	c.advance(time.Second)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Call(context.Background(), func(context.Context) error {
			<-release
			return nil
		})
	}()
	for {
		b.mu.Lock()
		n := b.halfOpenCount
		b.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := b.Call(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second probe should be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var seen []string
	b, c := newTestBreaker(BreakerOpts{
		Name:          "huggingface",
		FailThreshold: 1,
		Timeout:       time.Second,
		OnStateChange: func(name string, from, to State) {
			seen = append(seen, name+":"+from.String()+">"+to.String())
		},
	})
	failN(b, 1)
	c.advance(time.Second)
	_ = b.Call(context.Background(), func(context.Context) error { return nil })

	want := []string{"huggingface:closed>open", "huggingface:open>half-open", "huggingface:half-open>closed"}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}

func TestCallResult(t *testing.T) {
	b, _ := newTestBreaker(BreakerOpts{FailThreshold: 1})
	r := CallResult(b, context.Background(), func(context.Context) fn.Result[[]float32] {
		return fn.Ok([]float32{0.6, 0.8})
	})
	if v, err := r.Unwrap(); err != nil || len(v) != 2 {
		t.Fatalf("unexpected %v, %v", v, err)
	}

	_ = CallResult(b, context.Background(), func(context.Context) fn.Result[int] { return fn.Err[int](errModel) })
	r2 := CallResult(b, context.Background(), func(context.Context) fn.Result[int] { return fn.Ok(1) })
	if _, err := r2.Unwrap(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(st), st.String(), want)
		}
	}
}
