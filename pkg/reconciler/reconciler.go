package reconciler

import (
	"context"
	"time"

	"github.com/nubiot/fleetsync/pkg/log"
	"github.com/nubiot/fleetsync/pkg/metrics"
)

// Rebuilder rebuilds the live subscription set from current state.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Reconciler periodically rebuilds the live-tail subscriptions so the
// topic set absorbs fleet changes that happen between lifecycle
// transitions: devices added to a group, groups rebound to other
// credentials, devices decommissioned.
type Reconciler struct {
	rebuilder Rebuilder
	interval  time.Duration
	stopCh    chan struct{}
}

// NewReconciler creates a reconciler. Interval defaults to 5 minutes.
func NewReconciler(rebuilder Rebuilder, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		rebuilder: rebuilder,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one cycle. Errors are logged and the loop keeps
// going; the next tick retries from scratch.
func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		log.WithComponent("reconciler").Debug().
			Dur("duration", timer.Duration()).
			Msg("Subscription reconcile cycle finished")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	if err := r.rebuilder.Rebuild(ctx); err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("Subscription rebuild failed")
	}
}
