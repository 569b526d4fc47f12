// Package orchestrator drives editing turns: it serializes writers per page,
// selects and invokes model tiers, feeds the stream through the decomposer,
// applies primitives through the assembly layer, fans deltas out on the
// delivery channel and traces everything in the flight recorder.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aide.dev/aide/kernel/assembly"
	"aide.dev/aide/kernel/blueprint"
	"aide.dev/aide/kernel/channel"
	"aide.dev/aide/kernel/model"
	"aide.dev/aide/kernel/page"
	"aide.dev/aide/kernel/recorder"
	"aide.dev/aide/kernel/telemetry"
)

type (
	// Options configures an Orchestrator.
	Options struct {
		// Assembler performs document lifecycle operations. Required.
		Assembler *assembly.Assembler
		// Hub fans deltas out to page subscribers. Required.
		Hub *channel.Hub
		// Recorder traces turns. Optional; nil disables tracing.
		Recorder *recorder.Recorder
		// Tiers binds each tier to a provider client and model. At least L3
		// and L4 must be present.
		Tiers map[model.Tier]model.TierConfig
		// Blueprint is the default blueprint for created pages.
		Blueprint *blueprint.Blueprint
		// DefaultTimeout bounds a tier call when its config has none.
		// Defaults to 60s.
		DefaultTimeout time.Duration
		// MaxEscalations caps mid-turn tier jumps. Defaults to 2.
		MaxEscalations int
		// Logger and Metrics default to noop.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Orchestrator owns the turn state machine. Safe for concurrent use;
	// turns on distinct pages run in parallel while turns on the same page
	// queue FIFO behind its writer lock.
	Orchestrator struct {
		assembler *assembly.Assembler
		hub       *channel.Hub
		recorder  *recorder.Recorder
		tiers     map[model.Tier]model.TierConfig
		blueprint *blueprint.Blueprint
		timeout   time.Duration
		maxEsc    int
		log       telemetry.Logger
		metrics   telemetry.Metrics

		locks *pageLocks

		mu       sync.Mutex
		draining bool
		inflight sync.WaitGroup
	}
)

// DefaultTierTimeout bounds one tier call when no per-tier timeout is set.
const DefaultTierTimeout = 60 * time.Second

// ErrDraining is returned for turns arriving after shutdown began.
var ErrDraining = errors.New("orchestrator: draining, no new turns accepted")

// New validates opts and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Assembler == nil {
		return nil, fmt.Errorf("orchestrator: assembler is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("orchestrator: hub is required")
	}
	for _, tier := range []model.Tier{model.TierL3, model.TierL4} {
		cfg, ok := opts.Tiers[tier]
		if !ok || cfg.Client == nil || cfg.Model == "" {
			return nil, fmt.Errorf("orchestrator: tier %s is not configured", tier)
		}
	}
	if opts.Blueprint == nil {
		opts.Blueprint = blueprint.Default()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTierTimeout
	}
	if opts.MaxEscalations <= 0 {
		opts.MaxEscalations = 2
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Orchestrator{
		assembler: opts.Assembler,
		hub:       opts.Hub,
		recorder:  opts.Recorder,
		tiers:     opts.Tiers,
		blueprint: opts.Blueprint,
		timeout:   opts.DefaultTimeout,
		maxEsc:    opts.MaxEscalations,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		locks:     newPageLocks(),
	}, nil
}

// CreatePage builds and saves a fresh page around a blueprint, returning its
// id. A nil blueprint uses the orchestrator default.
func (o *Orchestrator) CreatePage(ctx context.Context, bp *blueprint.Blueprint) (string, error) {
	if bp == nil {
		bp = o.blueprint
	}
	f := o.assembler.Create(bp)
	if err := o.assembler.Save(ctx, f); err != nil {
		return "", err
	}
	return f.PageID, nil
}

// Attach subscribes a client to a page, replaying current state first. The
// page is loaded fresh so the snapshot reflects the latest save.
func (o *Orchestrator) Attach(ctx context.Context, pageID string) (*channel.Subscription, error) {
	f, err := o.assembler.Load(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return o.hub.Attach(ctx, pageID, f.State), nil
}

// Detach removes a subscription.
func (o *Orchestrator) Detach(sub *channel.Subscription) {
	o.hub.Detach(sub)
}

// Drain stops accepting turns, waits for in-flight turns to finalize and
// flushes the recorder.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if o.recorder != nil {
		return o.recorder.Drain(ctx)
	}
	return nil
}

// begin registers an in-flight turn, rejecting it when draining.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draining {
		return ErrDraining
	}
	o.inflight.Add(1)
	return nil
}

// selectTier picks the starting tier: the analyst for an empty page, the
// architect otherwise.
func (o *Orchestrator) selectTier(state *page.State) model.Tier {
	if state.LiveCount() == 0 {
		return model.TierL4
	}
	return model.TierL3
}

func (o *Orchestrator) tierTimeout(cfg model.TierConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return o.timeout
}
