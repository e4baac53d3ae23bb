package model

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"modelbus-go/errcode"
	"modelbus-go/ident"
	"modelbus-go/router"
)

// Registry is the concurrent address-to-model map plus the send primitives
// that resolve destinations. A missing destination or sender defaults to the
// provider's Core model.
type Registry struct {
	mu     sync.RWMutex
	models map[ident.ID]*Model
	host   Host
}

// NewRegistry returns an empty registry. The provider binds itself before
// the first send.
func NewRegistry() *Registry {
	return &Registry{models: make(map[ident.ID]*Model)}
}

// Bind attaches the provider surface used to resolve Core defaults and the
// router.
func (g *Registry) Bind(h Host) { g.host = h }

// Register adds a model. Idempotent.
func (g *Registry) Register(m *Model) {
	if m == nil {
		return
	}
	g.mu.Lock()
	g.models[m.Address()] = m
	g.mu.Unlock()
}

// Deregister removes a model. Idempotent.
func (g *Registry) Deregister(m *Model) {
	if m == nil {
		return
	}
	g.mu.Lock()
	if cur, ok := g.models[m.Address()]; ok && cur == m {
		delete(g.models, m.Address())
	}
	g.mu.Unlock()
}

// Get resolves an address.
func (g *Registry) Get(id ident.ID) (*Model, bool) {
	g.mu.RLock()
	m, ok := g.models[id]
	g.mu.RUnlock()
	return m, ok
}

// Len returns the number of registered models.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.models)
}

// Each calls fn for every registered model.
func (g *Registry) Each(fn func(m *Model)) {
	g.mu.RLock()
	snapshot := make([]*Model, 0, len(g.models))
	for _, m := range g.models {
		snapshot = append(snapshot, m)
	}
	g.mu.RUnlock()
	for _, m := range snapshot {
		fn(m)
	}
}

// core returns the provider's Core model, or nil before Start.
func (g *Registry) core() *Model {
	if g.host == nil {
		return nil
	}
	return g.host.Core()
}

// resolve maps a signal target back to its registered model.
func (g *Registry) resolve(t router.Target) *Model {
	if t == nil {
		return g.core()
	}
	if m, ok := t.(*Model); ok {
		return m
	}
	if m, ok := g.Get(t.Address()); ok {
		return m
	}
	return nil
}

// Send builds content for name through the router, wraps it in a signal, and
// hands it to the destination's fast path. It reports whether the signal was
// accepted.
func (g *Registry) Send(name string, data any, dst, sender router.Target) (bool, error) {
	if g.host == nil {
		return false, errcode.New(errcode.Argument, "registry.Send", "registry not bound")
	}
	content, err := g.host.Router().NewContent(name, data)
	if err != nil {
		return false, errors.Wrap(err, "registry send")
	}
	sig := g.host.Router().NewSignal(content, dst, sender)
	return g.SendSignal(sig)
}

// SendSignal delivers a prepared signal, defaulting missing endpoints to
// Core.
func (g *Registry) SendSignal(sig *router.Signal) (bool, error) {
	if sig == nil {
		return false, errcode.New(errcode.Argument, "registry.SendSignal", "nil signal")
	}
	if sig.Sender == nil {
		sig.Sender = g.core()
	}
	dst := g.resolve(sig.Dest)
	if dst == nil {
		return false, errcode.New(errcode.UnknownSignal, "registry.SendSignal",
			"no destination and no core")
	}
	sig.Dest = dst
	return dst.Receive(sig), nil
}

// Await sends name with a blocking completer attached and returns the
// response payload, giving request/reply semantics over the actor bus.
func (g *Registry) Await(ctx context.Context, name string, data any, dst, sender router.Target) (any, error) {
	if g.host == nil {
		return nil, errcode.New(errcode.Argument, "registry.Await", "registry not bound")
	}
	content, err := g.host.Router().NewContent(name, data)
	if err != nil {
		return nil, errors.Wrap(err, "registry await")
	}
	sig := g.host.Router().NewSignal(content, dst, sender)
	if deadline, ok := ctx.Deadline(); ok {
		sig.ExpireAt(deadline)
	}
	cpl := sig.WithCompleter()

	accepted, err := g.SendSignal(sig)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, errcode.New(errcode.Rejected, "registry.Await", name)
	}
	return cpl.Await(ctx)
}

// Broadcast sends name to every registered model except the sender and any
// excluded addresses, returning the number of accepted deliveries.
func (g *Registry) Broadcast(name string, data any, sender router.Target, except ...ident.ID) int {
	skip := make(map[ident.ID]struct{}, len(except)+1)
	if sender != nil {
		skip[sender.Address()] = struct{}{}
	}
	for _, id := range except {
		skip[id] = struct{}{}
	}

	accepted := 0
	g.Each(func(m *Model) {
		if _, excluded := skip[m.Address()]; excluded {
			return
		}
		if ok, _ := g.Send(name, data, m, sender); ok {
			accepted++
		}
	})
	return accepted
}
