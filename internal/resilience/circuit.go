package resilience

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of one host's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a host has failed too often recently.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls when a host's breaker trips and recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failures that open the circuit.
	FailureThreshold int
	// ResetTimeout is how long an open circuit rejects before probing.
	ResetTimeout time.Duration
	// ShouldTrip decides which errors count. Nil counts every error.
	ShouldTrip func(err error) bool
	// OnStateChange observes transitions.
	OnStateChange func(host string, from, to CircuitState)
}

// defaultCircuitBreakerConfig returns the breaker defaults for fetches.
func defaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

type breaker struct {
	state       CircuitState
	failures    int
	lastFailure time.Time
}

// HostBreakers tracks one circuit per origin host so that a dead site stops
// costing retries for every remaining URL in a run.
type HostBreakers struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu    sync.Mutex
	hosts map[string]*breaker
}

// NewHostBreakers creates an empty registry.
func NewHostBreakers(cfg CircuitBreakerConfig) *HostBreakers {
	def := defaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &HostBreakers{cfg: cfg, now: time.Now, hosts: make(map[string]*breaker)}
}

// HostOf returns the lowercased host of rawURL, or rawURL itself if it does
// not parse.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Host)
}

// Allow returns ErrCircuitOpen while host's circuit is open. After the reset
// timeout a single trial request is let through in the half-open state.
func (h *HostBreakers) Allow(host string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.get(host)
	switch b.state {
	case CircuitOpen:
		if h.now().Sub(b.lastFailure) < h.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		h.transition(host, b, CircuitHalfOpen)
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of a call to host back into its breaker.
func (h *HostBreakers) Record(host string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.get(host)
	trip := err != nil
	if trip && h.cfg.ShouldTrip != nil {
		trip = h.cfg.ShouldTrip(err)
	}
	if !trip {
		b.failures = 0
		if b.state != CircuitClosed {
			h.transition(host, b, CircuitClosed)
		}
		return
	}

	b.failures++
	b.lastFailure = h.now()
	if b.state == CircuitHalfOpen || b.failures >= h.cfg.FailureThreshold {
		if b.state != CircuitOpen {
			h.transition(host, b, CircuitOpen)
		}
	}
}

// state returns the current state for host.
func (h *HostBreakers) state(host string) CircuitState {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.hosts[host]
	if !ok {
		return CircuitClosed
	}
	return h.effective(b)
}

// effective reports an open circuit past its reset timeout as half-open.
// Callers hold mu.
func (h *HostBreakers) effective(b *breaker) CircuitState {
	if b.state == CircuitOpen && h.now().Sub(b.lastFailure) >= h.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// Open lists, sorted, the hosts whose circuit is open and still rejecting.
func (h *HostBreakers) Open() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []string{}
	for host, b := range h.hosts {
		if h.effective(b) == CircuitOpen {
			out = append(out, host)
		}
	}
	sort.Strings(out)
	return out
}

func (h *HostBreakers) get(host string) *breaker {
	b, ok := h.hosts[host]
	if !ok {
		b = &breaker{}
		h.hosts[host] = b
	}
	return b
}

func (h *HostBreakers) transition(host string, b *breaker, to CircuitState) {
	from := b.state
	b.state = to
	if h.cfg.OnStateChange != nil {
		h.cfg.OnStateChange(host, from, to)
	}
}
