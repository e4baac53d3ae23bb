// Package schema provides the parallelism strategies that host model
// containers: a dedicated worker per model, or a supervised shared pool.
package schema

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"modelbus-go/model"
	"modelbus-go/x/mathx"
	"modelbus-go/x/timex"
)

const (
	// idleTimeout is how long a worker waits for work before sweeping
	// expired signals out of the inbox.
	idleTimeout = 30 * time.Second

	// PerformanceInterval is the window the rolling loop average estimates
	// over.
	PerformanceInterval = time.Second
)

// gate is a manual-reset event: Set wakes every waiter and stays set until
// Reset.
type gate struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) Set() {
	g.mu.Lock()
	if !g.set {
		g.set = true
		close(g.ch)
	}
	g.mu.Unlock()
}

func (g *gate) Reset() {
	g.mu.Lock()
	if g.set {
		g.set = false
		g.ch = make(chan struct{})
	}
	g.mu.Unlock()
}

func (g *gate) c() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// wait blocks until the gate is set or the timeout elapses, reporting which.
func (g *gate) wait(clk clock.Clock, timeout time.Duration) bool {
	timer := clk.Timer(timeout)
	defer timer.Stop()
	select {
	case <-g.c():
		return true
	case <-timer.C:
		return false
	}
}

// base carries the state shared by both container kinds: lifecycle flags,
// loop pacing, the rolling performance average, and subscriber lists.
type base struct {
	m    *model.Model
	host model.Host
	clk  clock.Clock
	log  logrus.FieldLogger

	// monitor serialises Pause and Resume transitions.
	monitor sync.Mutex

	started atomic.Bool
	running atomic.Bool
	alive   atomic.Bool
	paused  atomic.Bool
	killed  atomic.Bool

	minPeriod atomic.Duration
	avg       atomic.Duration

	subMu   sync.Mutex
	onLoop  []func()
	onStart []func()
	onClose []func()
}

func (b *base) Alive() bool   { return b.alive.Load() }
func (b *base) Paused() bool  { return b.paused.Load() }
func (b *base) Running() bool { return b.running.Load() }

// Model returns the hosted model.
func (b *base) Model() *model.Model { return b.m }

// SetUpdateRate sets the minimum loop period from a frequency in Hz. Zero
// removes the minimum, so the loop parks between notifications.
func (b *base) SetUpdateRate(hz uint32) {
	b.minPeriod.Store(timex.PeriodFromHz(hz))
}

// MinimumLoopTime returns the configured minimum loop period.
func (b *base) MinimumLoopTime() time.Duration { return b.minPeriod.Load() }

// ApproximateLoopTime is the rolling mean tick duration.
func (b *base) ApproximateLoopTime() time.Duration { return b.avg.Load() }

// TrackPerformance folds one tick's elapsed time into the rolling mean. The
// estimated iteration count per PerformanceInterval weights the old mean so
// long-running containers converge smoothly; the first sample seeds the
// mean directly.
func (b *base) TrackPerformance(elapsed time.Duration) {
	avg := b.avg.Load()
	if avg == 0 {
		b.avg.Store(elapsed)
		return
	}
	est := int64(PerformanceInterval) / mathx.Max(int64(1), int64(avg))
	est = mathx.Clamp(est, 1, 256)
	next := (int64(avg)*est + int64(elapsed)) / (est + 1)
	b.avg.Store(time.Duration(next))
}

// OnLoop subscribes a callback run on every container tick.
func (b *base) OnLoop(fn func()) {
	b.subMu.Lock()
	b.onLoop = append(b.onLoop, fn)
	b.subMu.Unlock()
}

// OnStart subscribes a callback fired once when the container goes live.
func (b *base) OnStart(fn func()) {
	b.subMu.Lock()
	b.onStart = append(b.onStart, fn)
	b.subMu.Unlock()
}

// OnClose subscribes a callback fired once when the container stops. The
// host's live-thread counter is already decremented when these run.
func (b *base) OnClose(fn func()) {
	b.subMu.Lock()
	b.onClose = append(b.onClose, fn)
	b.subMu.Unlock()
}

func (b *base) fire(which *[]func()) {
	b.subMu.Lock()
	subs := make([]func(), len(*which))
	copy(subs, *which)
	b.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// tick runs one pass of the model's loop with worker-level panic isolation.
func (b *base) tick() {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("model", b.m.Address()).Errorf("container tick panic: %v", r)
			b.host.NotifyHostException(&tickPanicError{recovered: r})
		}
	}()
	b.fire(&b.onLoop)
	b.m.Tick()
}

type tickPanicError struct{ recovered any }

func (e *tickPanicError) Error() string { return "container tick panic" }
