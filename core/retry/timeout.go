package retry

import (
	"sync"
	"time"
)

const (
	// DefaultWindow is the number of latency samples averaged.
	DefaultWindow = 100

	// DefaultFactor scales the average latency into a timeout.
	DefaultFactor = 1.6

	// DefaultInitialTimeout is used until the first sample arrives.
	DefaultInitialTimeout = 5 * time.Second

	// DefaultMinTimeout and DefaultMaxTimeout clamp the computed timeout.
	DefaultMinTimeout = 500 * time.Millisecond
	DefaultMaxTimeout = 30 * time.Second
)

// TimeoutConfig configures an AdaptiveTimeout. Zero fields take defaults.
type TimeoutConfig struct {
	Window  int
	Factor  float64
	Initial time.Duration
	Min     time.Duration
	Max     time.Duration
}

// AdaptiveTimeout derives a request timeout from a moving average of recent
// successful request latencies.
type AdaptiveTimeout struct {
	cfg TimeoutConfig

	mu      sync.Mutex
	samples []time.Duration // circular buffer of the last Window samples
	next    int
	count   int
	sum     time.Duration
}

// NewAdaptiveTimeout creates an estimator with the given configuration.
func NewAdaptiveTimeout(cfg TimeoutConfig) *AdaptiveTimeout {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Factor <= 0 {
		cfg.Factor = DefaultFactor
	}
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultInitialTimeout
	}
	if cfg.Min <= 0 {
		cfg.Min = DefaultMinTimeout
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMaxTimeout
	}
	return &AdaptiveTimeout{
		cfg:     cfg,
		samples: make([]time.Duration, cfg.Window),
	}
}

// Observe records the latency of a successful request.
func (a *AdaptiveTimeout) Observe(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == len(a.samples) {
		a.sum -= a.samples[a.next]
	} else {
		a.count++
	}
	a.samples[a.next] = d
	a.sum += d
	a.next = (a.next + 1) % len(a.samples)
}

// Average returns the mean of the recorded samples, or zero.
func (a *AdaptiveTimeout) Average() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return 0
	}
	return a.sum / time.Duration(a.count)
}

// Timeout returns the timeout for the next request: Factor times the
// average latency, clamped to [Min, Max]. Before any sample is recorded
// the Initial timeout is used.
func (a *AdaptiveTimeout) Timeout() time.Duration {
	avg := a.Average()
	if avg == 0 {
		return a.cfg.Initial
	}
	t := time.Duration(float64(avg) * a.cfg.Factor)
	return min(max(t, a.cfg.Min), a.cfg.Max)
}

// Reset forgets all samples.
func (a *AdaptiveTimeout) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.samples)
	a.next = 0
	a.count = 0
	a.sum = 0
}
