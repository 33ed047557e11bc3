// Package proxy implements the tool proxy through which every context lookup
// is routed. Providers register typed operation handlers under a
// (provider, operation) key; callers invoke them through a single Call entry
// point with uniform error handling, regardless of whether a provider is
// backed by a real external system or a stand-in.
package proxy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/logging"
)

// Handler executes one provider operation. Arguments and results are
// JSON-shaped maps so handlers stay interchangeable across in-process
// stand-ins and remote integrations.
//
// Handlers should:
//   - Validate their own argument shapes
//   - Honor ctx cancellation and deadlines
//   - Be thread-safe if used concurrently
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Provider bundles a named set of operations for bulk registration.
type Provider interface {
	// Name returns the unique provider identifier (lower_snake recommended).
	Name() string

	// Operations returns the handlers keyed by operation name.
	Operations() map[string]Handler
}

// Options configures a Proxy.
type Options struct {
	// Logger receives per-call diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// Proxy is the routing registry. The zero value is not usable; construct with
// New. Registration and Call are safe for concurrent use.
type Proxy struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler // provider -> operation -> handler
	logger   logging.Logger
}

// New creates an empty Proxy.
func New(optFns ...func(o *Options)) *Proxy {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Proxy{
		handlers: make(map[string]map[string]Handler),
		logger:   opts.Logger,
	}
}

// Register adds a single operation handler. Registering the same
// (provider, operation) key twice replaces the previous handler.
func (p *Proxy) Register(provider, operation string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops, ok := p.handlers[provider]
	if !ok {
		ops = make(map[string]Handler)
		p.handlers[provider] = ops
	}
	ops[operation] = h
}

// RegisterProvider adds every operation a provider exposes.
func (p *Proxy) RegisterProvider(prov Provider) {
	for op, h := range prov.Operations() {
		p.Register(prov.Name(), op, h)
	}
}

// Call routes to the handler registered under (provider, operation).
//
// Error Semantics:
//
//	unknown key       -> *core.NotFoundError
//	handler error     -> *core.ProviderError wrapping the cause
//	handler panic     -> *core.ProviderError (the daemon must survive a
//	                     misbehaving stand-in)
//
// Call adds no timeout of its own; callers bound ctx.
func (p *Proxy) Call(ctx context.Context, provider, operation string, args map[string]any) (result map[string]any, err error) {
	p.mu.RLock()
	ops, ok := p.handlers[provider]
	var h Handler
	if ok {
		h, ok = ops[operation]
	}
	p.mu.RUnlock()

	if !ok {
		p.logger.Warn("proxy.call.not_found", "provider", provider, "operation", operation)
		return nil, &core.NotFoundError{Provider: provider, Operation: operation}
	}

	// A dead context never reaches the handler.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &core.ProviderError{Provider: provider, Operation: operation, Err: ctxErr}
	}

	start := time.Now()
	p.logger.Debug("proxy.call.start", "provider", provider, "operation", operation)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("proxy.call.panic", "provider", provider, "operation", operation, "panic", fmt.Sprint(r))
			result = nil
			err = &core.ProviderError{Provider: provider, Operation: operation, Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()

	result, err = h(ctx, args)
	if err != nil {
		p.logger.Error("proxy.call.error", "provider", provider, "operation", operation, "error", err.Error())
		return nil, &core.ProviderError{Provider: provider, Operation: operation, Err: err}
	}

	p.logger.Info("proxy.call.success", "provider", provider, "operation", operation, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// Providers returns the registered provider names, sorted.
func (p *Proxy) Providers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Operations returns the operation names registered for a provider, sorted.
// Unknown providers yield an empty slice.
func (p *Proxy) Operations(provider string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ops := make([]string, 0, len(p.handlers[provider]))
	for op := range p.handlers[provider] {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
