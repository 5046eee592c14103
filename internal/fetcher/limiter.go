package fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/stagegate/internal/resilience"
)

type hostState struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	base    time.Duration
	current time.Duration
}

// HostLimiter spaces and caps requests per origin host. Each host has its
// own limiter, so a slow site never delays requests to another.
type HostLimiter struct {
	spacing     time.Duration
	concurrency int64
	maxSpacing  time.Duration

	mu    sync.Mutex
	hosts map[string]*hostState
}

// NewHostLimiter returns a limiter enforcing at least spacing between request
// starts to one host and at most concurrency in-flight requests per host.
// A spacing of zero disables spacing; concurrency below one means one.
func NewHostLimiter(spacing time.Duration, concurrency int) *HostLimiter {
	if concurrency < 1 {
		concurrency = 1
	}
	maxSpacing := 8 * spacing
	if maxSpacing < 8*time.Second {
		maxSpacing = 8 * time.Second
	}
	return &HostLimiter{
		spacing:     spacing,
		concurrency: int64(concurrency),
		maxSpacing:  maxSpacing,
		hosts:       make(map[string]*hostState),
	}
}

func (h *HostLimiter) state(host string) *hostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.hosts[host]
	if !ok {
		st = &hostState{
			limiter: rate.NewLimiter(limitFor(h.spacing), 1),
			sem:     semaphore.NewWeighted(h.concurrency),
			base:    h.spacing,
			current: h.spacing,
		}
		h.hosts[host] = st
	}
	return st
}

func limitFor(spacing time.Duration) rate.Limit {
	if spacing <= 0 {
		return rate.Inf
	}
	return rate.Every(spacing)
}

// WaitHost blocks until the next request to rawURL's host may start.
func (h *HostLimiter) WaitHost(ctx context.Context, rawURL string) error {
	st := h.state(resilience.HostOf(rawURL))
	if err := st.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "fetcher: host spacing wait")
	}
	return nil
}

// Acquire takes one of the host's concurrency slots. The returned func
// releases it and must be called exactly once.
func (h *HostLimiter) Acquire(ctx context.Context, rawURL string) (func(), error) {
	st := h.state(resilience.HostOf(rawURL))
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "fetcher: host slot")
	}
	var once sync.Once
	return func() { once.Do(func() { st.sem.Release(1) }) }, nil
}

// Penalize doubles the host's spacing after a 429, up to a ceiling.
func (h *HostLimiter) Penalize(rawURL string) {
	host := resilience.HostOf(rawURL)
	st := h.state(host)
	h.mu.Lock()
	defer h.mu.Unlock()
	next := st.current * 2
	if next <= 0 {
		next = time.Second
	}
	if next > h.maxSpacing {
		next = h.maxSpacing
	}
	st.current = next
	st.limiter.SetLimit(limitFor(next))
	zap.L().Warn("fetcher: rate limited, slowing host",
		zap.String("host", host),
		zap.Duration("spacing", next),
	)
}

// Recover moves the host's spacing a step back toward its base after a
// successful request.
func (h *HostLimiter) Recover(rawURL string) {
	st := h.state(resilience.HostOf(rawURL))
	h.mu.Lock()
	defer h.mu.Unlock()
	if st.current <= st.base {
		return
	}
	next := st.current * 3 / 4
	if next < st.base {
		next = st.base
	}
	st.current = next
	st.limiter.SetLimit(limitFor(next))
}

// currentSpacing returns the host's current spacing.
func (h *HostLimiter) currentSpacing(rawURL string) time.Duration {
	st := h.state(resilience.HostOf(rawURL))
	h.mu.Lock()
	defer h.mu.Unlock()
	return st.current
}
