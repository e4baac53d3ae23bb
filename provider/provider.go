// Package provider assembles the router, registry, and parallelism schema
// into a running host. It owns the privileged core model and the startup and
// shutdown of the whole ensemble.
package provider

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"modelbus-go/errcode"
	"modelbus-go/model"
	"modelbus-go/router"
	"modelbus-go/schema"
)

// CoreName is the address of the privileged bootstrap model.
const CoreName = "_core"

// shutdownGrace bounds how long the core waits for stragglers during exit
// fan-out before killing its own container anyway.
const shutdownGrace = 30 * time.Second

// Options configures a provider. The zero value is usable.
type Options struct {
	// Router is forwarded to the signal router.
	Router router.Options

	// Schema builds the parallelism schema; nil means a dedicated worker per
	// model.
	Schema func(model.Host) model.Schema

	Log logrus.FieldLogger

	// OnModelException and OnHostException replace the default logging
	// sinks. They must not block.
	OnModelException func(*model.Model, error)
	OnHostException  func(error)
}

// Provider hosts models. It satisfies model.Host.
type Provider struct {
	opt Options
	log logrus.FieldLogger

	r   *router.Router
	reg *model.Registry
	sch model.Schema

	started atomic.Bool
	running atomic.Bool
	threads atomic.Int32

	mu       sync.RWMutex
	core     *model.Model
	postInit []func(*Provider)
	postShut []func(*Provider)

	shutOnce sync.Once
}

// New builds an unstarted provider. Signals and codecs register on the
// router until Start seals it.
func New(opt Options) *Provider {
	if opt.Log == nil {
		opt.Log = logrus.StandardLogger()
	}
	p := &Provider{
		opt: opt,
		log: opt.Log.WithField("component", "provider"),
		reg: model.NewRegistry(),
	}
	p.r = router.New(opt.Router)
	p.reg.Bind(p)
	return p
}

// ----------------------------------------------------------------------------
// model.Host
// ----------------------------------------------------------------------------

func (p *Provider) Router() *router.Router    { return p.r }
func (p *Provider) Registry() *model.Registry { return p.reg }

func (p *Provider) Schema() model.Schema {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sch
}

// Core returns the bootstrap model, nil before Start.
func (p *Provider) Core() *model.Model {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.core
}

func (p *Provider) Running() bool { return p.running.Load() }

func (p *Provider) NotifyThreadStart() { p.threads.Inc() }
func (p *Provider) NotifyThreadEnd()   { p.threads.Dec() }

// LiveThreads is the count of hosted workers still running.
func (p *Provider) LiveThreads() int { return int(p.threads.Load()) }

func (p *Provider) NotifyModelException(m *model.Model, err error) {
	if p.opt.OnModelException != nil {
		p.opt.OnModelException(m, err)
		return
	}
	p.log.WithField("model", m.Address()).WithError(err).Error("model exception")
}

func (p *Provider) NotifyHostException(err error) {
	if p.opt.OnHostException != nil {
		p.opt.OnHostException(err)
		return
	}
	p.log.WithError(err).Error("host exception")
}

// ----------------------------------------------------------------------------
// lifecycle
// ----------------------------------------------------------------------------

// OnPostInit subscribes a callback fired at the end of Start, after the core
// model is live. Register before Start.
func (p *Provider) OnPostInit(fn func(*Provider)) {
	p.mu.Lock()
	p.postInit = append(p.postInit, fn)
	p.mu.Unlock()
}

// OnPostShutdown subscribes a callback fired once, when AwaitClose observes
// the last hosted worker end.
func (p *Provider) OnPostShutdown(fn func(*Provider)) {
	p.mu.Lock()
	p.postShut = append(p.postShut, fn)
	p.mu.Unlock()
}

// Start seals the router, builds the schema, and spawns the core model.
// Idempotent; later calls are no-ops.
func (p *Provider) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.r.Build()
	p.running.Store(true)

	build := p.opt.Schema
	if build == nil {
		build = func(h model.Host) model.Schema { return schema.NewDedicated(h) }
	}
	p.mu.Lock()
	p.sch = build(p)
	p.mu.Unlock()

	core := model.NewNamed(p, CoreName)
	core.OnReadAny(func(m *model.Model, sig *router.Signal, _ any) {
		if sig.Name() != router.ExitSignal {
			return
		}
		// claim the signal so the default exit processor does not kill the
		// core before the fan-out completes
		sig.MarkHandled()
		p.fanOutExit(m)
	})
	p.mu.Lock()
	p.core = core
	hooks := make([]func(*Provider), len(p.postInit))
	copy(hooks, p.postInit)
	p.mu.Unlock()

	p.log.Debug("provider started")
	for _, fn := range hooks {
		fn(p)
	}
}

// fanOutExit runs on the core's worker: broadcast exit to every other model,
// force-kill the ones that refuse it, wait for the registry to empty, then
// take the core down too.
func (p *Provider) fanOutExit(core *model.Model) {
	sent := p.reg.Broadcast(router.ExitSignal, nil, core)
	p.log.WithField("sent", sent).Debug("exit fan-out")

	// paused models reject the fast path, so the broadcast never reaches
	// them; their containers go down directly
	p.reg.Each(func(m *model.Model) {
		if m == core {
			return
		}
		if c := m.Container(); c != nil && c.Paused() {
			c.Kill()
		}
	})

	deadline := time.Now().Add(shutdownGrace)
	for p.reg.Len() > 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := p.reg.Len(); n > 1 {
		p.log.WithField("remaining", n-1).Warn("models survived exit fan-out")
		p.reg.Each(func(m *model.Model) {
			if m == core {
				return
			}
			if c := m.Container(); c != nil {
				c.Kill()
			}
		})
	}
	core.Control().Kill()
}

// Shutdown asks the core to take every model down, waits for the core to
// close, and stops the schema. Safe to call more than once.
func (p *Provider) Shutdown() {
	core := p.Core()
	if core == nil || !p.started.Load() {
		return
	}
	if !core.Closing() {
		_, _ = p.reg.Send(router.ExitSignal, nil, core, nil)
	}
	deadline := time.Now().Add(shutdownGrace)
	for !core.Closing() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.running.Store(false)
	if s, ok := p.Schema().(interface{ Stop() }); ok {
		s.Stop()
	}
}

// AwaitClose blocks until every hosted worker has ended, then fires the
// post-shutdown hooks exactly once. Times out with errcode.Timeout.
func (p *Provider) AwaitClose(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for p.threads.Load() > 0 {
		if !time.Now().Before(deadline) {
			return errcode.New(errcode.Timeout, "provider.AwaitClose", "workers still live")
		}
		time.Sleep(time.Millisecond)
	}
	p.shutOnce.Do(func() {
		p.mu.RLock()
		hooks := make([]func(*Provider), len(p.postShut))
		copy(hooks, p.postShut)
		p.mu.RUnlock()
		for _, fn := range hooks {
			fn(p)
		}
	})
	return nil
}
