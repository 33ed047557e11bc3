// Package triage provides a high-level façade over the issue-analysis
// daemon's building blocks (registry, event hub, context aggregator,
// orchestrator and tool proxy). Most applications interact with this package
// by:
//  1. Creating a Triage via New() (optionally overriding the default
//     in-memory services)
//  2. Submitting issues for analysis (Submit) and following their event
//     streams (Subscribe), or running one analysis to completion
//     synchronously (AnalyzeSync)
//  3. Reading and cancelling analyses (Get, List, Cancel)
//
// All defaults are safe for local development and testing: an in-memory
// store, the scripted engine and the bundled sample providers. Production
// deployments supply a SQLite store, a model-backed engine and real context
// providers, usually through FromConfig.
package triage

import (
	"context"
	"errors"
	"fmt"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/studiorosalind/triage/config"
	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/engine"
	enginant "github.com/studiorosalind/triage/engine/anthropic"
	enginoai "github.com/studiorosalind/triage/engine/openai"
	"github.com/studiorosalind/triage/gather"
	"github.com/studiorosalind/triage/hub"
	"github.com/studiorosalind/triage/logging"
	"github.com/studiorosalind/triage/orchestrator"
	"github.com/studiorosalind/triage/providers"
	"github.com/studiorosalind/triage/proxy"
	"github.com/studiorosalind/triage/registry"
	"github.com/studiorosalind/triage/sqlite"
)

// Options configures a Triage instance.
type Options struct {
	// Store persists issue records. Defaults to in-memory.
	Store registry.Store

	// Engine analyzes issues. Defaults to the scripted engine.
	Engine engine.Engine

	// Providers are registered on the tool proxy. Defaults to the bundled
	// diagnostics and knowledgebase samples; pass an empty non-nil slice to
	// start with none.
	Providers []proxy.Provider

	// Logger is shared across all components. Defaults to NoOp.
	Logger logging.Logger

	// Orchestrator tunes worker limits and heartbeat supervision.
	Orchestrator orchestrator.Options

	// Hub tunes event stream buffers and retirement.
	Hub hub.Options

	// Gather tunes the context providers' timeouts and retry.
	Gather gather.Options
}

// Triage is the façade aggregating the daemon's components.
type Triage struct {
	opts     Options
	store    registry.Store
	registry *registry.Registry
	hub      *hub.Hub
	proxy    *proxy.Proxy
	orc      *orchestrator.Orchestrator
	eng      engine.Engine
	logger   logging.Logger
}

// New creates a Triage instance with optional overrides. Any unset service
// is initialized with its in-memory default.
func New(optFns ...func(o *Options)) *Triage {
	opts := Options{
		Store:  registry.NewInMemoryStore(),
		Engine: engine.NewScripted(),
		Logger: logging.NoOpLogger{},
		Gather: gather.Options{RetryTransient: true},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Providers == nil {
		opts.Providers = []proxy.Provider{
			providers.NewDiagnostics(),
			providers.NewKnowledgeBase(),
		}
	}

	prx := proxy.New(func(o *proxy.Options) {
		o.Logger = opts.Logger
	})
	for _, p := range opts.Providers {
		prx.RegisterProvider(p)
	}

	reg := registry.New(func(o *registry.Options) {
		o.Store = opts.Store
		o.Logger = opts.Logger
	})

	// Zero-value fields keep the component's own default; only explicitly
	// set knobs are passed through.
	eventHub := hub.New(func(o *hub.Options) {
		o.Logger = opts.Logger
		if opts.Hub.ReplayLimit > 0 {
			o.ReplayLimit = opts.Hub.ReplayLimit
		}
		if opts.Hub.SubscriberBuffer > 0 {
			o.SubscriberBuffer = opts.Hub.SubscriberBuffer
		}
		if opts.Hub.RetireGrace > 0 {
			o.RetireGrace = opts.Hub.RetireGrace
		}
	})

	ag := gather.New(prx, func(o *gather.Options) {
		o.Logger = opts.Logger
		o.RetryTransient = opts.Gather.RetryTransient
		if opts.Gather.CauseProvider != "" {
			o.CauseProvider = opts.Gather.CauseProvider
		}
		if opts.Gather.CauseOperation != "" {
			o.CauseOperation = opts.Gather.CauseOperation
		}
		if opts.Gather.HistoryProvider != "" {
			o.HistoryProvider = opts.Gather.HistoryProvider
		}
		if opts.Gather.HistoryOperation != "" {
			o.HistoryOperation = opts.Gather.HistoryOperation
		}
		if opts.Gather.CauseTimeout > 0 {
			o.CauseTimeout = opts.Gather.CauseTimeout
		}
		if opts.Gather.HistoryTimeout > 0 {
			o.HistoryTimeout = opts.Gather.HistoryTimeout
		}
	})

	orc := orchestrator.New(reg, eventHub, ag, opts.Engine, func(o *orchestrator.Options) {
		o.Logger = opts.Logger
		if opts.Orchestrator.MaxWorkers > 0 {
			o.MaxWorkers = opts.Orchestrator.MaxWorkers
		}
		if opts.Orchestrator.HeartbeatInterval > 0 {
			o.HeartbeatInterval = opts.Orchestrator.HeartbeatInterval
		}
		if opts.Orchestrator.HeartbeatMisses > 0 {
			o.HeartbeatMisses = opts.Orchestrator.HeartbeatMisses
		}
	})

	return &Triage{
		opts:     opts,
		store:    opts.Store,
		registry: reg,
		hub:      eventHub,
		proxy:    prx,
		orc:      orc,
		eng:      opts.Engine,
		logger:   opts.Logger,
	}
}

// FromConfig builds a Triage instance from a validated configuration.
func FromConfig(cfg *config.Config, logger logging.Logger) (*Triage, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	var store registry.Store
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store = s
	default:
		store = registry.NewInMemoryStore()
	}

	eng, err := engineFromConfig(cfg.Engine)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return New(func(o *Options) {
		o.Store = store
		o.Engine = eng
		o.Logger = logger
		o.Orchestrator = orchestrator.Options{
			MaxWorkers:        cfg.Orchestrator.MaxWorkers,
			HeartbeatInterval: cfg.Orchestrator.HeartbeatIntervalDuration(),
			HeartbeatMisses:   cfg.Orchestrator.HeartbeatMisses,
		}
		o.Hub = hub.Options{
			ReplayLimit:      cfg.Hub.ReplayLimit,
			SubscriberBuffer: cfg.Hub.SubscriberBuffer,
			RetireGrace:      cfg.Hub.RetireGraceDuration(),
		}
		o.Gather = gather.Options{
			CauseTimeout:   cfg.Gather.CauseTimeoutDuration(),
			HistoryTimeout: cfg.Gather.HistoryTimeoutDuration(),
			RetryTransient: cfg.Gather.RetryTransient,
		}
	}), nil
}

func engineFromConfig(cfg config.EngineConfig) (engine.Engine, error) {
	switch cfg.Provider {
	case "anthropic":
		return enginant.New(func(o *enginant.Options) {
			if cfg.Model != "" {
				o.Model = sdkanthropic.Model(cfg.Model)
			}
			o.MaxTokens = cfg.MaxTokens
			o.Temperature = cfg.Temperature
		}), nil
	case "openai":
		return enginoai.New(func(o *enginoai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.MaxCompletionTokens = cfg.MaxTokens
			o.Temperature = cfg.Temperature
		}), nil
	case "scripted", "":
		return engine.NewScripted(), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}

// Submit creates an issue and spawns its analysis worker. The issue record
// is returned even when the spawn is rejected (for example at the worker
// ceiling); in that case the error is non-nil and the analysis can be
// retried later with Analyze.
func (t *Triage) Submit(ctx context.Context, in registry.NewIssue) (*core.Issue, error) {
	issue, err := t.registry.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	if _, err := t.orc.Spawn(ctx, issue.ID); err != nil {
		return issue, err
	}
	// Return the post-spawn record so callers see the analysis under way.
	if updated, err := t.registry.Get(ctx, issue.ID); err == nil {
		issue = updated
	}
	return issue, nil
}

// Analyze spawns (or re-joins) the analysis worker for an existing issue.
func (t *Triage) Analyze(ctx context.Context, issueID string) (*orchestrator.WorkerHandle, error) {
	return t.orc.Spawn(ctx, issueID)
}

// Subscribe attaches to an issue's event stream.
func (t *Triage) Subscribe(issueID string) (*hub.Subscription, error) {
	return t.hub.Subscribe(issueID)
}

// Snapshot returns the buffered events for an issue without subscribing.
func (t *Triage) Snapshot(issueID string) []core.StreamEvent {
	return t.hub.Snapshot(issueID)
}

// Cancel requests cancellation of an issue's analysis.
func (t *Triage) Cancel(ctx context.Context, issueID string) error {
	return t.orc.Cancel(ctx, issueID)
}

// Get returns an issue record.
func (t *Triage) Get(ctx context.Context, issueID string) (*core.Issue, error) {
	return t.registry.Get(ctx, issueID)
}

// List returns issue records, newest first.
func (t *Triage) List(ctx context.Context, filter registry.ListFilter) ([]*core.Issue, error) {
	return t.registry.List(ctx, filter)
}

// Active returns the ids of issues currently being analyzed.
func (t *Triage) Active() []string {
	return t.orc.Active()
}

// Proxy exposes the tool proxy for registering additional providers.
func (t *Triage) Proxy() *proxy.Proxy {
	return t.proxy
}

// EngineName reports which analysis engine is wired in.
func (t *Triage) EngineName() string {
	return t.eng.Name()
}

// AnalyzeSync submits an issue and blocks until its analysis reaches a
// terminal state, returning the final record and every streamed event. The
// analysis itself is not aborted by ctx; ctx only bounds the wait.
func (t *Triage) AnalyzeSync(ctx context.Context, in registry.NewIssue) (*core.Issue, []core.StreamEvent, error) {
	issue, err := t.registry.Create(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	sub, err := t.hub.Subscribe(issue.ID)
	if err != nil {
		return issue, nil, err
	}
	defer sub.Close()

	if _, err := t.orc.Spawn(ctx, issue.ID); err != nil {
		return issue, nil, err
	}

	var events []core.StreamEvent
	for {
		select {
		case <-ctx.Done():
			return issue, events, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return issue, events, sub.Err()
			}
			events = append(events, ev)
			if ev.Kind != core.KindStatus {
				continue
			}
			sp, ok := ev.Payload.(core.StatusPayload)
			if !ok || !sp.Status.IsTerminal() {
				continue
			}
			final, err := t.registry.Get(ctx, issue.ID)
			if err != nil {
				return issue, events, err
			}
			return final, events, nil
		}
	}
}

// Shutdown stops the orchestrator, disconnects subscribers and closes the
// store. Safe to call once; in-flight analyses are recorded as cancelled.
func (t *Triage) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.orc.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	t.hub.Shutdown()
	if err := t.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
