package reconciler

import (
	"sync"
	"time"

	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/secure"
	"github.com/rs/zerolog"
)

// DefaultInterval is how often the reconciler runs a sweep cycle.
const DefaultInterval = 10 * time.Second

// Reconciler periodically sweeps long-lived caches for entries that
// have outlived their usefulness. Like the scheduler it replaced, it
// is stateless between cycles: each run reads whatever the registry
// currently holds and decides from that alone, so a missed or delayed
// cycle is harmless.
type Reconciler struct {
	registry *secure.Registry
	interval time.Duration
	logger   zerolog.Logger
	mu       sync.Mutex
	stopCh   chan struct{}
	started  bool
}

// New creates a reconciler that sweeps registry on DefaultInterval.
func New(registry *secure.Registry) *Reconciler {
	return &Reconciler{
		registry: registry,
		interval: DefaultInterval,
		logger:   log.WithComponent("reconciler"),
	}
}

// WithInterval overrides the sweep interval. Must be called before
// Start.
func (r *Reconciler) WithInterval(d time.Duration) *Reconciler {
	r.interval = d
	return r
}

// Start begins the reconciliation loop in a background goroutine.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.stopCh = make(chan struct{})
	go r.run(r.stopCh)
}

// Stop halts the reconciliation loop. A second call is a no-op.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false
	close(r.stopCh)
}

func (r *Reconciler) run(stopCh chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcile performs one sweep cycle. Per-channel handshake timeouts
// are already enforced inside the channel itself and UDP fragment
// reassembly runs its own sweep loop; what's left for this cycle is
// dropping the registry's references to channels that reached a
// terminal state so the cache doesn't grow without bound.
func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	if r.registry == nil {
		return
	}
	before := r.registry.Len()
	removed := r.registry.Sweep()
	if removed > 0 {
		r.logger.Debug().
			Int("removed", removed).
			Int("remaining", before-removed).
			Msg("swept non-open secure channels from registry")
	}
}
