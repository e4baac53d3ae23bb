package model

import (
	"time"

	"modelbus-go/router"
)

// Container is the lifecycle shell a schema wraps around one model. It
// extends the control surface reachable from signal processors with the
// scheduling contract.
type Container interface {
	router.Control

	// StartHost begins driving the model's loop. Idempotent.
	StartHost()

	// NotifyWork wakes the loop promptly.
	NotifyWork()

	// SetUpdateRate sets the minimum loop period from a frequency in Hz.
	SetUpdateRate(hz uint32)

	Alive() bool
	Paused() bool

	// ApproximateLoopTime is the rolling mean tick duration.
	ApproximateLoopTime() time.Duration
}

// Schema is the parallelism strategy: a factory of containers that owns the
// container set and decides how they are scheduled.
type Schema interface {
	// Attach wraps m in a new container owned by this schema. The container
	// is not started; the model calls StartHost once wired.
	Attach(m *Model) Container
}

// Host is the process-wide surface a model sees of its provider.
type Host interface {
	Router() *router.Router
	Registry() *Registry
	Schema() Schema

	// Core is the privileged bootstrap model; nil until the provider starts.
	Core() *Model

	Running() bool

	// NotifyThreadStart and NotifyThreadEnd bracket every hosted worker and
	// are the only mutators of the live-thread counter.
	NotifyThreadStart()
	NotifyThreadEnd()

	// NotifyModelException and NotifyHostException are logging sinks; the
	// core never alters control flow based on them.
	NotifyModelException(m *Model, err error)
	NotifyHostException(err error)
}
