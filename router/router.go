// Package router translates between symbolic signal names and numeric
// headers, owns the payload codec registry, and dispatches decoded signals to
// their processors. A router is configured in a setup phase and then sealed
// by Build; every mutation after sealing fails with a routing error.
package router

import (
	"reflect"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"modelbus-go/errcode"
	"modelbus-go/ident"
	"modelbus-go/packet"
)

// MaxSignals caps the signal tables: headers keep 15 bits for the index.
const MaxSignals = 0x7FFF

// Reserved built-in names. Slot 0 is the null signal so that a zero header
// unambiguously means "no signal"; slot 1 is an unnamed placeholder.
const (
	NullSignal    = "_null"
	ExitSignal    = "exit"
	SuspendSignal = "suspend"
)

// Target is the destination surface a processor sees: an addressable model
// whose container (if hosted) can be controlled.
type Target interface {
	Address() ident.ID

	// Control returns the lifecycle controls of the target's container, or
	// nil when the target is not hosted.
	Control() Control
}

// Control is the container surface reachable from signal processors.
type Control interface {
	Kill()
	Pause()
	Resume()
}

// Func handles an untyped signal.
type Func func(r *Router, dst Target, sig *Signal)

// TypedFunc handles a signal whose payload narrows to T.
type TypedFunc[T any] func(r *Router, dst Target, sig *Signal, data T)

// Processor is a registered handler plus its declared payload type.
type Processor struct {
	name    string
	payload reflect.Type // nil for untyped handlers
	call    func(r *Router, dst Target, sig *Signal, data any)
}

// Name returns the signal name the processor was registered under.
func (p *Processor) Name() string { return p.name }

// Payload returns the declared payload type, nil for untyped handlers.
func (p *Processor) Payload() reflect.Type { return p.payload }

// Options configures a router. The zero value enables the default signals,
// the default codecs, and case-insensitive name lookup.
type Options struct {
	// MaxSignals overrides the table cap; 0 means MaxSignals (32767).
	MaxSignals int

	// NoDefaultSignals skips registration of exit and suspend.
	NoDefaultSignals bool

	// NoDefaultCodecs skips the built-in scalar, byte, and generic JSON
	// codecs.
	NoDefaultCodecs bool

	// CaseSensitive disables the case-insensitive name map.
	CaseSensitive bool

	Log logrus.FieldLogger
}

// tables is the state behind a router. Registrations never mutate a
// published tables value: they clone it, extend the clone, and swap it in,
// so any loaded snapshot is immutable and read without locks.
type tables struct {
	ids   []packet.Header
	names []string
	procs []*Processor
	index map[string]int

	encByType map[reflect.Type]int
	encoders  []*Encoder
	decByType map[reflect.Type]int
	decoders  []*Decoder

	// typeNames resolves wire-format type-name fallbacks.
	typeNames map[string]reflect.Type
}

// Router is the write-once signal registry and dispatch helper.
type Router struct {
	mu     sync.Mutex // serialises registrations
	opt    Options
	sealed atomic.Bool
	t      atomic.Pointer[tables]
	log    logrus.FieldLogger
}

// New builds an unsealed router.
func New(opt Options) *Router {
	if opt.MaxSignals <= 0 || opt.MaxSignals > MaxSignals {
		opt.MaxSignals = MaxSignals
	}
	if opt.Log == nil {
		opt.Log = logrus.StandardLogger()
	}
	r := &Router{
		opt: opt,
		log: opt.Log.WithField("part", "router"),
	}
	r.t.Store(r.reserve())
	if !opt.NoDefaultCodecs {
		registerDefaultCodecs(r)
	}
	if !opt.NoDefaultSignals {
		registerDefaultSignals(r)
	}
	return r
}

// reserve builds the initial tables with slots 0 and 1 pinned, so that
// header zero never addresses a real signal.
func (r *Router) reserve() *tables {
	t := &tables{
		ids:   []packet.Header{0, 1},
		names: []string{NullSignal, ""},
		procs: []*Processor{
			{name: NullSignal, call: func(*Router, Target, *Signal, any) {}},
			nil,
		},
		index:     make(map[string]int),
		encByType: make(map[reflect.Type]int),
		decByType: make(map[reflect.Type]int),
		typeNames: make(map[string]reflect.Type),
	}
	t.index[r.key(NullSignal)] = 0
	return t
}

// clone copies the tables for a copy-on-write registration.
func (t *tables) clone() *tables {
	nt := &tables{
		ids:       make([]packet.Header, len(t.ids)),
		names:     make([]string, len(t.names)),
		procs:     make([]*Processor, len(t.procs)),
		index:     make(map[string]int, len(t.index)+1),
		encByType: make(map[reflect.Type]int, len(t.encByType)+1),
		encoders:  make([]*Encoder, len(t.encoders)),
		decByType: make(map[reflect.Type]int, len(t.decByType)+1),
		decoders:  make([]*Decoder, len(t.decoders)),
		typeNames: make(map[string]reflect.Type, len(t.typeNames)+1),
	}
	copy(nt.ids, t.ids)
	copy(nt.names, t.names)
	copy(nt.procs, t.procs)
	copy(nt.encoders, t.encoders)
	copy(nt.decoders, t.decoders)
	for k, v := range t.index {
		nt.index[k] = v
	}
	for k, v := range t.encByType {
		nt.encByType[k] = v
	}
	for k, v := range t.decByType {
		nt.decByType[k] = v
	}
	for k, v := range t.typeNames {
		nt.typeNames[k] = v
	}
	return nt
}

func registerDefaultSignals(r *Router) {
	// Registration on a fresh router cannot fail.
	_, _ = r.Register(ExitSignal, func(_ *Router, dst Target, _ *Signal) {
		if ctl := dst.Control(); ctl != nil {
			ctl.Kill()
		}
	})
	_, _ = r.Register(SuspendSignal, func(_ *Router, dst Target, _ *Signal) {
		if ctl := dst.Control(); ctl != nil {
			ctl.Pause()
		}
	})
}

func (r *Router) key(name string) string {
	if r.opt.CaseSensitive {
		return name
	}
	return strings.ToLower(name)
}

// Sealed reports whether Build has run.
func (r *Router) Sealed() bool { return r.sealed.Load() }

// Build seals the router. Idempotent; after it returns the tables are
// immutable and read without locks.
func (r *Router) Build() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return
	}
	t := r.t.Load()
	r.log.WithFields(logrus.Fields{
		"signals":  len(t.names),
		"encoders": len(t.encoders),
		"decoders": len(t.decoders),
	}).Debug("router sealed")
	r.sealed.Store(true)
}

// snapshot returns the current tables. Every registration swaps in a fresh
// copy, so the loaded value is immutable and readers take no lock.
func (r *Router) snapshot() *tables { return r.t.Load() }

// register appends one signal slot under the configuration lock.
func (r *Router) register(name string, p *Processor) (packet.Header, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return 0, errcode.New(errcode.RouterSealed, "router.Register", name)
	}
	if name == "" {
		return 0, errcode.New(errcode.Argument, "router.Register", "empty signal name")
	}
	cur := r.t.Load()
	key := r.key(name)
	if _, dup := cur.index[key]; dup {
		return 0, errcode.New(errcode.SignalExists, "router.Register", name)
	}
	idx := len(cur.names)
	if idx >= r.opt.MaxSignals {
		return 0, errcode.New(errcode.RegistryFull, "router.Register", name)
	}
	p.name = name
	nt := cur.clone()
	nt.ids = append(nt.ids, packet.Header(idx))
	nt.names = append(nt.names, name)
	nt.procs = append(nt.procs, p)
	nt.index[key] = idx
	r.t.Store(nt)
	return packet.Header(idx), nil
}

// Register adds an untyped signal processor under name. A nil fn reserves
// the name without claiming its signals, so dispatch reports them as
// unhandled. Errors: the name is taken, the tables are full, or the router
// is sealed.
func (r *Router) Register(name string, fn Func) (packet.Header, error) {
	p := &Processor{}
	if fn != nil {
		p.call = func(rr *Router, dst Target, sig *Signal, _ any) { fn(rr, dst, sig) }
	}
	return r.register(name, p)
}

// RegisterTyped adds a processor that declares its payload type, so dispatch
// narrows the payload before invocation. Payloads that do not narrow are
// passed as T's zero value.
func RegisterTyped[T any](r *Router, name string, fn TypedFunc[T]) (packet.Header, error) {
	payload := reflect.TypeOf((*T)(nil)).Elem()
	p := &Processor{payload: payload}
	p.call = func(rr *Router, dst Target, sig *Signal, data any) {
		v, _ := data.(T)
		fn(rr, dst, sig, v)
	}
	return r.register(name, p)
}

// RegisterProcessor adds a processor whose payload type is known only at run
// time. fn receives the raw dispatched payload and narrows it itself.
func (r *Router) RegisterProcessor(name string, payload reflect.Type, fn func(r *Router, dst Target, sig *Signal, data any)) (packet.Header, error) {
	if fn == nil {
		return 0, errcode.New(errcode.Argument, "router.RegisterProcessor", "nil handler")
	}
	return r.register(name, &Processor{payload: payload, call: fn})
}

// Lookup resolves a signal name to its header index.
func (r *Router) Lookup(name string) (packet.Header, bool) {
	t := r.snapshot()
	idx, ok := t.index[r.key(name)]
	if !ok {
		return 0, false
	}
	return packet.Header(idx), true
}

// NewContent resolves name and wraps data in content addressed at it. A nil
// payload yields empty content (a signal with no payload).
func (r *Router) NewContent(name string, data any) (packet.Content, error) {
	hdr, ok := r.Lookup(name)
	if !ok {
		return nil, errcode.New(errcode.UnknownSignal, "router.NewContent", name)
	}
	if data == nil {
		return packet.NewEmpty(hdr), nil
	}
	return packet.New(hdr, data), nil
}

// NewContentOf is the typed variant of NewContent; the content's declared
// payload type is T rather than the runtime type.
func NewContentOf[T any](r *Router, name string, v T) (*packet.Of[T], error) {
	hdr, ok := r.Lookup(name)
	if !ok {
		return nil, errcode.New(errcode.UnknownSignal, "router.NewContent", name)
	}
	return packet.New(hdr, v), nil
}

// HeaderName resolves the printable name of content's header, or "" when the
// header is out of range.
func (r *Router) HeaderName(c packet.Content) string {
	if c == nil {
		return ""
	}
	t := r.snapshot()
	idx := c.Header().Index()
	if idx >= len(t.names) {
		return ""
	}
	return t.names[idx]
}

// Processor returns the handler stored at the content's header index, or nil
// when out of range or unregistered.
func (r *Router) Processor(c packet.Content) *Processor {
	if c == nil {
		return nil
	}
	t := r.snapshot()
	idx := c.Header().Index()
	if idx >= len(t.procs) {
		return nil
	}
	return t.procs[idx]
}

// Invoke calls p for sig's destination, narrowing data when the processor is
// typed. On return the signal is marked handled. A handlerless processor
// (registered with a nil fn) leaves the signal unclaimed so the caller's
// unhandled path fires.
func (r *Router) Invoke(p *Processor, sig *Signal, data any) error {
	if p == nil {
		return errcode.New(errcode.Argument, "router.Invoke", "nil processor")
	}
	if sig == nil {
		return errcode.New(errcode.Argument, "router.Invoke", "nil signal")
	}
	if p.call == nil {
		return nil
	}
	p.call(r, sig.Dest, sig, data)
	sig.MarkHandled()
	return nil
}

// Names returns a copy of the registered names, placeholders included.
func (r *Router) Names() []string {
	t := r.snapshot()
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Len returns the number of occupied table slots.
func (r *Router) Len() int { return len(r.snapshot().names) }
