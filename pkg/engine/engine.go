package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/nubiot/fleetsync/pkg/backfill"
	"github.com/nubiot/fleetsync/pkg/config"
	"github.com/nubiot/fleetsync/pkg/events"
	"github.com/nubiot/fleetsync/pkg/history"
	"github.com/nubiot/fleetsync/pkg/index"
	"github.com/nubiot/fleetsync/pkg/livetail"
	"github.com/nubiot/fleetsync/pkg/log"
	"github.com/nubiot/fleetsync/pkg/reconciler"
	"github.com/nubiot/fleetsync/pkg/registry"
	"github.com/nubiot/fleetsync/pkg/storage"
	"github.com/nubiot/fleetsync/pkg/types"
	"github.com/nubiot/fleetsync/pkg/writer"
)

// Engine wires the sync pipeline together: registry transitions feed
// the backfill runner and the live-tail manager, both of which write
// through the event writer into the telemetry index.
type Engine struct {
	cfg *config.Config

	store    *storage.BoltStore
	idx      *index.Index
	notifier *events.Notifier
	writer   *writer.Writer
	runner     *backfill.Runner
	livetail   *livetail.Manager
	registry   *registry.Registry
	reconciler *reconciler.Reconciler
}

// New creates an Engine from configuration. Nothing is started yet;
// call Start to bring up the notifier and the live subscriptions.
func New(cfg *config.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	idx, err := index.Open(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open telemetry index: %w", err)
	}

	notifier := events.NewNotifier()
	composites := types.NewCompositeSet(cfg.Composites)
	wr := writer.New(idx, composites)
	hist := history.NewClient(cfg.History.BaseURL, cfg.History.Timeout)

	runner := backfill.NewRunner(store, idx, wr, hist, notifier, composites, backfill.Config{
		PageSize: cfg.History.PageSize,
		Slice:    cfg.History.Slice,
		Workers:  cfg.Backfill.Workers,
	})

	tail := livetail.NewManager(store, wr, livetail.DialPaho, livetail.Config{
		SubscribeBatchSize:  cfg.LiveTail.SubscribeBatchSize,
		SubscribeBatchDelay: cfg.LiveTail.SubscribeBatchDelay,
		InboxSize:           cfg.LiveTail.InboxSize,
	})

	e := &Engine{
		cfg:      cfg,
		store:    store,
		idx:      idx,
		notifier: notifier,
		writer:   wr,
		runner:   runner,
		livetail: tail,
	}
	e.registry = registry.New(store, idx, runner, notifier, composites, e, registry.Config{
		Horizon: cfg.Backfill.Horizon,
	})
	e.reconciler = reconciler.NewReconciler(tail, cfg.LiveTail.ReconcileInterval)
	return e, nil
}

// Start brings up the notifier and builds the initial live
// subscriptions from whatever was enabled before the last shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.notifier.Start()

	if err := e.livetail.Rebuild(ctx); err != nil {
		log.WithComponent("engine").Error().Err(err).Msg("Initial subscription rebuild failed; continuing without live tail")
	}
	e.reconciler.Start()

	log.WithComponent("engine").Info().Str("data_dir", e.cfg.DataDir).Msg("Sync engine started")
	return nil
}

// Stop tears everything down in dependency order: no new jobs, then
// live connections, then the notifier, then storage.
func (e *Engine) Stop() {
	e.reconciler.Stop()
	e.runner.Stop()
	e.livetail.Stop()
	e.notifier.Stop()

	if err := e.idx.Close(); err != nil {
		log.WithComponent("engine").Error().Err(err).Msg("Failed to close telemetry index")
	}
	if err := e.store.Close(); err != nil {
		log.WithComponent("engine").Error().Err(err).Msg("Failed to close store")
	}
	log.WithComponent("engine").Info().Msg("Sync engine stopped")
}

// RefreshSubscriptions implements registry.Refresher by rebuilding the
// live-tail topic set from current registry state.
func (e *Engine) RefreshSubscriptions(ctx context.Context) error {
	return e.livetail.Rebuild(ctx)
}

// Registry exposes lifecycle operations to the API layer.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Store exposes fleet CRUD to the API layer.
func (e *Engine) Store() storage.Store {
	return e.store
}

// Index exposes the telemetry index for the inspection endpoints.
func (e *Engine) Index() *index.Index {
	return e.idx
}

// Notifier exposes the progress stream for the API's SSE endpoint.
func (e *Engine) Notifier() *events.Notifier {
	return e.notifier
}
