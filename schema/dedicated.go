package schema

import (
	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"modelbus-go/model"
	"modelbus-go/router"
)

// Dedicated hosts each container on its own long-running worker. Handlers
// may block; throughput scales with thread count.
type Dedicated struct {
	host model.Host
	clk  clock.Clock
	log  logrus.FieldLogger

	containers mapset.Set[*DedicatedContainer]
}

// NewDedicated returns a per-model-worker schema.
func NewDedicated(h model.Host) *Dedicated {
	return NewDedicatedWithClock(h, clock.New())
}

// NewDedicatedWithClock injects the clock, for tests.
func NewDedicatedWithClock(h model.Host, clk clock.Clock) *Dedicated {
	return &Dedicated{
		host:       h,
		clk:        clk,
		log:        logrus.StandardLogger().WithField("schema", "dedicated"),
		containers: mapset.NewSet[*DedicatedContainer](),
	}
}

// Containers returns the number of live containers.
func (s *Dedicated) Containers() int { return s.containers.Cardinality() }

// Attach wraps m in a new container. The worker starts on StartHost.
func (s *Dedicated) Attach(m *model.Model) model.Container {
	c := &DedicatedContainer{
		base: base{m: m, host: s.host, clk: s.clk, log: s.log},
		sch:  s,
		gate: newGate(),
	}
	s.containers.Add(c)
	return c
}

// DedicatedContainer drives one model on one worker goroutine.
type DedicatedContainer struct {
	base
	sch  *Dedicated
	gate *gate
}

// StartHost spawns the worker. Idempotent.
func (c *DedicatedContainer) StartHost() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.running.Store(true)
	// initial tick so rate-driven containers start without a send
	c.gate.Set()
	go c.work()
}

// NotifyWork wakes the worker promptly.
func (c *DedicatedContainer) NotifyWork() { c.gate.Set() }

// Pause halts draining and makes the fast path reject senders until Resume.
func (c *DedicatedContainer) Pause() {
	c.monitor.Lock()
	c.paused.Store(true)
	c.monitor.Unlock()
}

// Resume reopens the container and wakes the worker.
func (c *DedicatedContainer) Resume() {
	c.monitor.Lock()
	c.paused.Store(false)
	c.monitor.Unlock()
	c.gate.Set()
}

// Kill stops the container irreversibly: clear running, open the gate so a
// blocked worker wakes, and send exit through the registry so the model
// observes closure via normal signal plumbing. Re-entry safe.
func (c *DedicatedContainer) Kill() {
	if !c.killed.CompareAndSwap(false, true) {
		return
	}
	c.running.Store(false)
	c.gate.Set()
	if reg := c.host.Registry(); reg != nil {
		_, _ = reg.Send(router.ExitSignal, nil, c.m, nil)
	}
}

// work is the container's loop. The gate wait times out at idleTimeout, in
// which case expired signals are swept out of the inbox; a set gate with a
// nonzero minimum period keeps the loop ticking at that period.
func (c *DedicatedContainer) work() {
	c.host.NotifyThreadStart()
	c.alive.Store(true)
	c.fire(&c.onStart)

	defer func() {
		c.alive.Store(false)
		if c.killed.Load() {
			// let the model observe exit and anything else still queued
			c.m.Drain()
		}
		c.m.Shutdown()
		c.sch.containers.Remove(c)
		c.host.NotifyThreadEnd()
		c.fire(&c.onClose)
	}()

	for c.host.Running() && c.running.Load() {
		if !c.gate.wait(c.clk, idleTimeout) {
			c.m.Compact(c.clk.Now())
			continue
		}
		if !c.running.Load() {
			return
		}
		min := c.minPeriod.Load()
		if min <= 0 {
			// park until the next notification once the inbox drains
			c.gate.Reset()
		}
		if c.paused.Load() {
			// Resume re-sets the gate
			c.gate.Reset()
			continue
		}

		start := c.clk.Now()
		pending := c.m.Pending() > 0
		c.tick()
		if elapsed := c.clk.Since(start); min > 0 && elapsed < min {
			c.clk.Sleep(min - elapsed)
		}
		// a parked drain of an empty inbox says nothing about loop cost and
		// would poison the rolling mean
		if min > 0 || pending {
			c.TrackPerformance(c.clk.Since(start))
		}
	}
}
