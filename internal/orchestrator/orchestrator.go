// Package orchestrator drives the analyze-commit-reconcile-broadcast
// cycle. At most one cycle runs at a time; triggers that arrive while a
// cycle is in flight are dropped, and the next settled change signal
// picks up whatever they would have seen.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/stoicfive/pulse/internal/analyzer"
	"github.com/stoicfive/pulse/internal/reconciler"
	"github.com/stoicfive/pulse/internal/store"
)

// ErrBusy is returned when a cycle is requested while another is in
// flight.
var ErrBusy = errors.New("analysis cycle already in flight")

// Broadcaster receives the committed state after each cycle. Satisfied
// by the realtime server.
type Broadcaster interface {
	Broadcast(state *store.State)
}

// Config wires the orchestrator's collaborators. Reconciler and
// Broadcaster are optional.
type Config struct {
	Analyzer    *analyzer.Analyzer
	Store       *store.Store
	Reconciler  *reconciler.Reconciler
	Broadcaster Broadcaster

	// ResyncInterval forces a periodic cycle even without file changes,
	// catching remote-side drift. Zero disables the ticker.
	ResyncInterval time.Duration

	// Logger for cycle activity.
	Logger *log.Logger
}

// Orchestrator serializes analysis cycles.
type Orchestrator struct {
	config  Config
	busy    atomic.Bool
	trigger chan struct{}
}

// New creates an Orchestrator.
func New(config Config) *Orchestrator {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		config:  config,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a cycle without blocking. If a trigger is already
// queued the request coalesces into it.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// RunCycle executes one full cycle: analyze the tree, commit the
// snapshot, reconcile with the tracker, and broadcast the committed
// state. Returns ErrBusy when a cycle is already in flight.
//
// A reconcile failure is logged but does not fail the cycle: the local
// snapshot is already committed and listeners still get the update.
func (o *Orchestrator) RunCycle(ctx context.Context) (*store.State, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer o.busy.Store(false)

	started := time.Now()
	snap, err := o.config.Analyzer.Analyze(ctx)
	if err != nil {
		return nil, err
	}

	if err := o.config.Store.CommitSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	if o.config.Reconciler != nil {
		if err := o.config.Reconciler.Reconcile(ctx, snap); err != nil {
			o.config.Logger.Printf("Reconcile failed, continuing with local state: %v", err)
		}
	}

	state, err := o.config.Store.GetState(ctx)
	if err != nil {
		return nil, err
	}

	if o.config.Broadcaster != nil {
		o.config.Broadcaster.Broadcast(state)
	}

	o.config.Logger.Printf("Cycle complete in %s (%d packages, %d todos, %d plans)",
		time.Since(started).Round(time.Millisecond),
		len(state.Packages), len(state.Todos), len(state.Plans))
	return state, nil
}

// Run consumes change signals and manual triggers until the context is
// canceled. Dropped cycles (ErrBusy) are expected under bursty change
// load and logged only.
func (o *Orchestrator) Run(ctx context.Context, changes <-chan struct{}) error {
	var resync <-chan time.Time
	if o.config.ResyncInterval > 0 {
		ticker := time.NewTicker(o.config.ResyncInterval)
		defer ticker.Stop()
		resync = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case _, ok := <-changes:
			if !ok {
				return nil
			}
			o.cycle(ctx, "change")

		case <-o.trigger:
			o.cycle(ctx, "manual")

		case <-resync:
			o.cycle(ctx, "resync")
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context, reason string) {
	if _, err := o.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			o.config.Logger.Printf("Dropped %s trigger, cycle in flight", reason)
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		o.config.Logger.Printf("Cycle (%s) failed: %v", reason, err)
	}
}
