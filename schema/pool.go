package schema

import (
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"modelbus-go/model"
	"modelbus-go/router"
	"modelbus-go/x/mathx"
)

// PoolConfig tunes the supervised pool schema.
type PoolConfig struct {
	// TargetPools caps concurrent pool workers; 0 means the host CPU count.
	TargetPools int

	// TargetDensity is the number of containers one pool slot is expected
	// to serve; 0 means 1.
	TargetDensity int

	// QueueDepth bounds the central update queue; 0 means 1024.
	QueueDepth int

	// TakeTimeout is how long an idle worker waits on the queue before
	// re-checking the worker goal; 0 means 30s.
	TakeTimeout time.Duration
}

func (c *PoolConfig) fill() {
	if c.TargetPools <= 0 {
		c.TargetPools = runtime.NumCPU()
	}
	if c.TargetDensity <= 0 {
		c.TargetDensity = 1
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.TakeTimeout <= 0 {
		c.TakeTimeout = idleTimeout
	}
}

// Pool schedules many containers onto a bounded set of shared workers.
// Handlers must not block indefinitely: the pool relies on cooperative
// short ticks so a bounded number of workers can drain many containers.
type Pool struct {
	host model.Host
	cfg  PoolConfig
	clk  clock.Clock
	log  logrus.FieldLogger

	containers mapset.Set[*PoolContainer]
	updates    chan *PoolContainer
	wake       chan struct{}
	stop       chan struct{}

	supervising atomic.Bool
	workers     atomic.Int32

	// sem holds one permit per TargetPools slot; a worker exists only while
	// it holds a permit, so the semaphore is the concurrency cap.
	sem *semaphore.Weighted
}

// NewPool returns a supervised-pool schema.
func NewPool(h model.Host, cfg PoolConfig) *Pool {
	return NewPoolWithClock(h, cfg, clock.New())
}

// NewPoolWithClock injects the clock, for tests.
func NewPoolWithClock(h model.Host, cfg PoolConfig, clk clock.Clock) *Pool {
	cfg.fill()
	return &Pool{
		host:       h,
		cfg:        cfg,
		clk:        clk,
		log:        logrus.StandardLogger().WithField("schema", "pool"),
		containers: mapset.NewSet[*PoolContainer](),
		updates:    make(chan *PoolContainer, cfg.QueueDepth),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		sem:        semaphore.NewWeighted(int64(cfg.TargetPools)),
	}
}

// Containers returns the number of live containers.
func (s *Pool) Containers() int { return s.containers.Cardinality() }

// Workers returns the number of live pool workers.
func (s *Pool) Workers() int { return int(s.workers.Load()) }

// Attach wraps m in a pool container.
func (s *Pool) Attach(m *model.Model) model.Container {
	c := &PoolContainer{
		base: base{m: m, host: s.host, clk: s.clk, log: s.log},
		sch:  s,
	}
	s.containers.Add(c)
	return c
}

// Stop retires the supervisor and every idle worker. Called by the provider
// once all containers are down.
func (s *Pool) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// goal is the demand-driven worker target: one worker per TargetDensity
// containers, at least one. The semaphore bounds how many of those workers
// actually get a slot.
func (s *Pool) goal() int32 {
	n := s.containers.Cardinality()
	return int32(mathx.Max(1, n/s.cfg.TargetDensity))
}

// queue hands a container to the shared workers and wakes the supervisor.
func (s *Pool) queue(c *PoolContainer) {
	select {
	case s.updates <- c:
	default:
		// queue full: hand off asynchronously rather than drop the wake
		go func() {
			select {
			case s.updates <- c:
			case <-s.stop:
			}
		}()
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
	// singleton: the first caller takes the supervisor role, later entrants
	// return immediately
	if s.supervising.CompareAndSwap(false, true) {
		go s.supervise()
	}
}

// supervise recomputes the worker goal whenever woken and spawns workers up
// to it, each holding one semaphore slot. With all TargetPools slots taken
// the spawn loop stops until a worker exits. Surplus workers retire
// themselves when the goal shrinks.
func (s *Pool) supervise() {
	s.host.NotifyThreadStart()
	defer s.host.NotifyThreadEnd()

	for s.host.Running() {
		goal := s.goal()
		for s.workers.Load() < goal {
			if !s.sem.TryAcquire(1) {
				break
			}
			s.workers.Inc()
			go s.work()
		}
		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}

// work is one shared worker: take a container update, run its tick, and
// re-queue it after its minimum period when one is set.
func (s *Pool) work() {
	s.host.NotifyThreadStart()
	defer func() {
		s.workers.Dec()
		s.sem.Release(1)
		s.host.NotifyThreadEnd()
	}()

	for s.host.Running() {
		// re-checked each take so a shrinking goal drains surplus workers
		if s.workers.Load() > s.goal() {
			return
		}
		timer := s.clk.Timer(s.cfg.TakeTimeout)
		select {
		case c := <-s.updates:
			timer.Stop()
			if c == nil {
				continue
			}
			// consumer-side decrement; the atomic op publishes the
			// "more work can be queued" window to producers
			c.reentry.Dec()
			if !c.running.Load() {
				continue
			}
			c.run()
			if p := c.minPeriod.Load(); p >= time.Millisecond {
				s.clk.AfterFunc(p, c.NotifyWork)
			}
		case <-timer.C:
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// PoolContainer is a container scheduled on the shared pool.
type PoolContainer struct {
	base
	sch *Pool

	// reentry gates duplicate scheduling: only the 0->1 transition queues.
	reentry atomic.Int32
}

// StartHost marks the container live and queues its first tick. Idempotent.
func (c *PoolContainer) StartHost() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.running.Store(true)
	c.alive.Store(true)
	c.fire(&c.onStart)
	c.NotifyWork()
}

// NotifyWork enqueues the container, but only on the 0->1 transition of the
// re-entry counter; a counter already above zero means an update is already
// queued, and the increment is rolled back.
func (c *PoolContainer) NotifyWork() {
	if c.reentry.Inc() == 1 {
		c.sch.queue(c)
		return
	}
	c.reentry.Dec()
}

// run executes one tick with pacing bookkeeping.
func (c *PoolContainer) run() {
	if c.paused.Load() || !c.running.Load() {
		return
	}
	start := c.clk.Now()
	pending := c.m.Pending() > 0
	c.tick()
	if c.minPeriod.Load() > 0 || pending {
		c.TrackPerformance(c.clk.Since(start))
	}
}

// Pause halts scheduling and makes the fast path reject senders.
func (c *PoolContainer) Pause() {
	c.monitor.Lock()
	c.paused.Store(true)
	c.monitor.Unlock()
}

// Resume reopens the container and re-queues it.
func (c *PoolContainer) Resume() {
	c.monitor.Lock()
	c.paused.Store(false)
	c.monitor.Unlock()
	c.NotifyWork()
}

// Kill stops the container irreversibly. The exit signal goes through the
// registry first, then a final inline drain lets the model observe it before
// the container deregisters. Re-entry safe.
func (c *PoolContainer) Kill() {
	if !c.killed.CompareAndSwap(false, true) {
		return
	}
	c.running.Store(false)
	if reg := c.host.Registry(); reg != nil {
		_, _ = reg.Send(router.ExitSignal, nil, c.m, nil)
	}
	c.m.Drain()
	c.alive.Store(false)
	c.m.Shutdown()
	c.sch.containers.Remove(c)
	c.fire(&c.onClose)
}
