// Package router dispatches decoded envelopes to per-port handlers.
//
// Ownership boundary:
// - handler registration (at most one per port)
// - route outcomes for recognized/unrecognized ports
// - per-source ordered dispatch workers
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
	"github.com/rs/zerolog/log"
)

var (
	ErrHandlerExists = errors.New("router: handler already registered")
	ErrNilHandler    = errors.New("router: nil handler")
)

// Outcome is the result of routing one envelope. Outcomes are values, not errors.
type Outcome uint8

const (
	Handled Outcome = iota + 1
	// Ignored: the port is not recognized. No handler ran.
	Ignored
	// Unhandled: the port is recognized but nothing is registered for it.
	Unhandled
	// Failed: the handler returned an error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case Ignored:
		return "ignored"
	case Unhandled:
		return "unhandled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Handler consumes one envelope. Envelopes must be treated as read-only.
type Handler func(ctx context.Context, env protocol.Envelope) error

// Observer sees every routed envelope with its classified port and outcome.
type Observer func(env protocol.Envelope, port portnum.Kind, outcome Outcome, err error)

type Router struct {
	mu       sync.RWMutex
	registry *portnum.Registry
	handlers map[portnum.Number]Handler
	observer Observer
}

// New builds a router classifying ports with reg. A nil reg uses a registry with
// no private ports enabled.
func New(reg *portnum.Registry) *Router {
	if reg == nil {
		reg = portnum.NewRegistry()
	}
	return &Router{
		registry: reg,
		handlers: make(map[portnum.Number]Handler),
	}
}

func (r *Router) SetObserver(fn Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Register installs h for port. A second registration for the same port fails.
func (r *Router) Register(port portnum.Number, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[port]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, port)
	}
	r.handlers[port] = h
	return nil
}

func (r *Router) Unregister(port portnum.Number) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[port]
	delete(r.handlers, port)
	return ok
}

// Ports lists ports with a registered handler.
func (r *Router) Ports() []portnum.Number {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]portnum.Number, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Route delivers env to the handler for its port.
func (r *Router) Route(ctx context.Context, env protocol.Envelope) Outcome {
	kind := r.registry.Classify(env.Port.Raw)
	if env.IsEncrypted() {
		kind = portnum.Unrecognized(env.Port.Raw)
	}
	r.mu.RLock()
	h, ok := r.handlers[kind.Number()]
	obs := r.observer
	r.mu.RUnlock()

	var (
		outcome Outcome
		err     error
	)
	switch {
	case !kind.Recognized:
		outcome = Ignored
	case !ok:
		outcome = Unhandled
		log.Debug().Stringer("port", kind).Uint32("from", env.From).Msg("router unhandled port")
	default:
		if err = h(ctx, env); err != nil {
			outcome = Failed
			log.Warn().Err(err).Stringer("port", kind).Uint32("from", env.From).Uint32("id", env.ID).Msg("router handler failed")
		} else {
			outcome = Handled
		}
	}
	if obs != nil {
		obs(env, kind, outcome, err)
	}
	return outcome
}
