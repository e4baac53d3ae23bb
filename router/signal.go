package router

import (
	"time"

	"go.uber.org/atomic"

	"modelbus-go/packet"
)

// Signal is one in-flight message: addressing, content, lifecycle flags, and
// an optional reply slot.
type Signal struct {
	Router *Router

	// Sender is the originating model; may be nil.
	Sender Target

	// Dest is the destination model.
	Dest Target

	Content packet.Content

	// Expiry is the drop deadline; the zero time means never. Expired
	// signals are silently discarded at enqueue and at dequeue.
	Expiry time.Time

	// Response is filled by a handler wanting to reply; it is delivered
	// through the completer once every handler phase has run.
	Response packet.Content

	handled   atomic.Bool
	completer *Completer
}

// NewSignal builds a signal bound to this router.
func (r *Router) NewSignal(content packet.Content, dst, sender Target) *Signal {
	return &Signal{Router: r, Sender: sender, Dest: dst, Content: content}
}

// Handled reports whether a handler claimed the signal. Once set, no further
// handler in the dispatch chain runs.
func (s *Signal) Handled() bool { return s.handled.Load() }

// MarkHandled claims the signal.
func (s *Signal) MarkHandled() { s.handled.Store(true) }

// Expired reports whether the signal's deadline has passed at now.
func (s *Signal) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && s.Expiry.Before(now)
}

// ExpireAt sets the drop deadline and returns the signal for chaining.
func (s *Signal) ExpireAt(t time.Time) *Signal {
	s.Expiry = t
	return s
}

// Name resolves the printable name of the signal's header lazily.
func (s *Signal) Name() string {
	if s.Router == nil {
		return ""
	}
	return s.Router.HeaderName(s.Content)
}

// WithCompleter attaches a reply completer and returns it.
func (s *Signal) WithCompleter() *Completer {
	if s.completer == nil {
		s.completer = NewCompleter()
	}
	return s.completer
}

// Completer returns the attached completer, or nil.
func (s *Signal) Completer() *Completer { return s.completer }

// Complete fulfils the attached completer, if any, with the response
// content. Called from the destination's loop thread after all handler
// phases have run.
func (s *Signal) Complete() {
	if s.completer != nil {
		s.completer.Resolve(s.Response)
	}
}

// Data attempts a direct narrowed read of the signal's payload.
func Data[T any](s *Signal) (T, bool) {
	var zero T
	if s == nil || s.Content == nil {
		return zero, false
	}
	v, ok := s.Content.Data().(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// UnpackData reads the payload, additionally unwrapping packed content
// through the signal's router. A payload of a different type yields T's zero
// value.
func UnpackData[T any](s *Signal) (T, error) {
	var zero T
	if s == nil || s.Content == nil {
		return zero, nil
	}
	if s.Content.Header().Packed() && s.Router != nil {
		return UnpackAs[T](s.Router, s.Content)
	}
	v, _ := s.Content.Data().(T)
	return v, nil
}
