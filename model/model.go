// Package model implements the addressable actor: an inbox of signals, event
// hooks, and the message-processing loop a container drives.
package model

import (
	"reflect"
	"sync"
	"time"

	"go.uber.org/atomic"

	"modelbus-go/errcode"
	"modelbus-go/ident"
	"modelbus-go/router"
)

// ReceiveFunc observes a signal on the sender's arrival path. Observers may
// mark the signal handled to consume it before it reaches the inbox.
type ReceiveFunc func(m *Model, sig *router.Signal)

// reader is an OnRead observer with its declared payload type. A reader
// registered for T runs only when the payload is assignable to T.
type reader struct {
	typ reflect.Type
	fn  func(m *Model, sig *router.Signal, data any)
}

// Model is an addressable actor. Created with a host, it registers itself in
// the model registry and obtains a container from the parallelism schema; it
// lives until killed, then deregisters.
type Model struct {
	id      ident.ID
	host    Host
	closing atomic.Bool

	cmu       sync.RWMutex
	container Container

	// queue is the inbox FIFO. gate's write side serialises inspect-and-
	// compact against enqueue, which holds the read side.
	queueMu sync.Mutex
	gate    sync.RWMutex
	queue   []*router.Signal

	evMu      sync.Mutex
	onReceive []ReceiveFunc
	onRead    []reader
	onLoop    []func(m *Model)
}

// New creates a model with an auto-generated address, registers it, and
// hosts it on the provider's schema.
func New(h Host) *Model { return NewWithID(h, ident.New()) }

// NewNamed creates a model addressed by an explicit name.
func NewNamed(h Host, name string) *Model { return NewWithID(h, ident.Named(name)) }

// NewWithID creates, registers, and hosts a model under id.
func NewWithID(h Host, id ident.ID) *Model {
	m := &Model{id: id, host: h}
	h.Registry().Register(m)
	if sch := h.Schema(); sch != nil {
		c := sch.Attach(m)
		m.cmu.Lock()
		m.container = c
		m.cmu.Unlock()
		c.StartHost()
	}
	return m
}

// Address returns the model's 64-bit address.
func (m *Model) Address() ident.ID { return m.id }

// Host returns the provider surface the model was created with.
func (m *Model) Host() Host { return m.host }

// Control exposes the container's lifecycle controls to signal processors.
func (m *Model) Control() router.Control {
	if c := m.Container(); c != nil {
		return c
	}
	return nil
}

// Container returns the hosting container, nil once the model has closed.
func (m *Model) Container() Container {
	m.cmu.RLock()
	defer m.cmu.RUnlock()
	return m.container
}

// Closing reports whether the model is shutting down.
func (m *Model) Closing() bool { return m.closing.Load() }

// OnReceive subscribes an observer to the sender-side arrival path.
func (m *Model) OnReceive(fn ReceiveFunc) {
	m.evMu.Lock()
	m.onReceive = append(m.onReceive, fn)
	m.evMu.Unlock()
}

// OnLoop subscribes a callback run on every loop tick, before the inbox
// drains.
func (m *Model) OnLoop(fn func(m *Model)) {
	m.evMu.Lock()
	m.onLoop = append(m.onLoop, fn)
	m.evMu.Unlock()
}

// OnRead subscribes a reader fired inside the model's own loop on dequeue.
// Readers run in registration order and stop once one marks the signal
// handled; a reader declared for T is invoked only when the payload is
// assignable to T.
func OnRead[T any](m *Model, fn func(m *Model, sig *router.Signal, data T)) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	m.evMu.Lock()
	m.onRead = append(m.onRead, reader{
		typ: typ,
		fn: func(mm *Model, sig *router.Signal, data any) {
			v, _ := data.(T)
			fn(mm, sig, v)
		},
	})
	m.evMu.Unlock()
}

// OnReadAny subscribes a reader invoked for every payload, including nil.
func (m *Model) OnReadAny(fn func(m *Model, sig *router.Signal, data any)) {
	m.evMu.Lock()
	m.onRead = append(m.onRead, reader{fn: fn})
	m.evMu.Unlock()
}

// Receive is the synchronous fast path called on the sender's thread. It
// rejects when the model is closing, unhosted, or paused, and silently drops
// expired signals. Arrival observers run first and may consume the signal;
// otherwise it is appended to the inbox and the container is woken.
func (m *Model) Receive(sig *router.Signal) bool {
	if sig == nil || m.closing.Load() {
		return false
	}
	c := m.Container()
	if c == nil || c.Paused() {
		return false
	}
	if sig.Expired(time.Now()) {
		return false
	}

	m.gate.RLock()
	m.evMu.Lock()
	observers := m.onReceive
	m.evMu.Unlock()
	for _, fn := range observers {
		fn(m, sig)
		if sig.Handled() {
			break
		}
	}
	if !sig.Handled() {
		m.queueMu.Lock()
		m.queue = append(m.queue, sig)
		m.queueMu.Unlock()
	}
	m.gate.RUnlock()

	if !sig.Handled() {
		c.NotifyWork()
	}
	return true
}

// Pending returns the inbox depth.
func (m *Model) Pending() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.queue)
}

func (m *Model) pop() *router.Signal {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	sig := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return sig
}

// Compact takes the inbox's write lock and strips expired signals, keeping
// live ones in order. Containers call this from their idle path. Returns the
// number dropped.
func (m *Model) Compact(now time.Time) int {
	m.gate.Lock()
	defer m.gate.Unlock()
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	kept := m.queue[:0]
	dropped := 0
	for _, sig := range m.queue {
		if sig.Expired(now) {
			dropped++
			continue
		}
		kept = append(kept, sig)
	}
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = kept
	return dropped
}

// Tick is one pass of the model's loop: loop hooks, then a full inbox drain.
func (m *Model) Tick() {
	m.evMu.Lock()
	hooks := m.onLoop
	m.evMu.Unlock()
	for _, fn := range hooks {
		fn(m)
	}
	m.Drain()
}

// Drain dequeues and processes every pending signal.
func (m *Model) Drain() {
	for {
		sig := m.pop()
		if sig == nil {
			return
		}
		m.process(sig)
	}
}

// process runs one dequeued signal through the handler phases: expiry check,
// read observers, router dispatch, not-handled sink, completer.
func (m *Model) process(sig *router.Signal) {
	if sig.Expired(time.Now()) {
		return
	}
	// the completer must resolve even when a handler panics, or a
	// request/reply sender blocks until its deadline
	defer sig.Complete()
	defer func() {
		if r := recover(); r != nil {
			m.report(errcode.New(errcode.Error, "model.process",
				"handler panic: "+panicString(r)))
		}
	}()

	data := m.payload(sig)

	m.evMu.Lock()
	readers := m.onRead
	m.evMu.Unlock()
	for _, rd := range readers {
		if rd.typ != nil && !assignable(data, rd.typ) {
			continue
		}
		rd.fn(m, sig, data)
		if sig.Handled() {
			break
		}
	}

	if !sig.Handled() {
		rt := sig.Router
		if rt == nil {
			rt = m.host.Router()
		}
		if p := rt.Processor(sig.Content); p != nil {
			if err := rt.Invoke(p, sig, data); err != nil {
				m.report(err)
			}
		}
	}

	if !sig.Handled() {
		m.report(errcode.New(errcode.Unhandled, "model.process", sig.Name()))
	}
}

// payload resolves the signal's payload, unwrapping packed content through
// the router. Unpack failures go to the exception sink and dispatch proceeds
// with a nil payload.
func (m *Model) payload(sig *router.Signal) any {
	if sig.Content == nil {
		return nil
	}
	if sig.Content.Header().Packed() {
		rt := sig.Router
		if rt == nil {
			rt = m.host.Router()
		}
		out, err := rt.Unpack(sig.Content)
		if err != nil {
			m.report(err)
			return nil
		}
		return out
	}
	return sig.Content.Data()
}

func (m *Model) report(err error) {
	if m.host != nil {
		m.host.NotifyModelException(m, err)
	}
}

// Shutdown finalises a closed model: the container link is broken first,
// then the model deregisters. Called by the container when its worker exits;
// idempotent.
func (m *Model) Shutdown() {
	if !m.closing.CompareAndSwap(false, true) {
		return
	}
	m.cmu.Lock()
	m.container = nil
	m.cmu.Unlock()
	if m.host != nil {
		m.host.Registry().Deregister(m)
	}
}

func assignable(data any, typ reflect.Type) bool {
	if data == nil {
		return false
	}
	return reflect.TypeOf(data).AssignableTo(typ)
}

func panicString(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "unknown panic"
}
