package router

import (
	"context"
	"sync"

	"modelbus-go/errcode"
	"modelbus-go/packet"
)

// Completer is a single-shot reply future: fulfilled once from the
// destination's loop thread, awaited by the sender.
type Completer struct {
	once sync.Once
	ch   chan packet.Content
}

// NewCompleter returns an unfulfilled completer.
func NewCompleter() *Completer {
	return &Completer{ch: make(chan packet.Content, 1)}
}

// Resolve fulfils the completer with the response content (may be nil).
// Second and later calls are no-ops.
func (c *Completer) Resolve(response packet.Content) {
	c.once.Do(func() {
		c.ch <- response
		close(c.ch)
	})
}

// Await blocks until the completer is fulfilled or ctx ends, and returns the
// response content's payload.
func (c *Completer) Await(ctx context.Context) (any, error) {
	select {
	case response := <-c.ch:
		if response == nil {
			return nil, nil
		}
		return response.Data(), nil
	case <-ctx.Done():
		return nil, errcode.Wrap(errcode.Timeout, "completer.Await", ctx.Err())
	}
}

// AwaitContent is Await without the payload read, for callers that need the
// whole response envelope.
func (c *Completer) AwaitContent(ctx context.Context) (packet.Content, error) {
	select {
	case response := <-c.ch:
		return response, nil
	case <-ctx.Done():
		return nil, errcode.Wrap(errcode.Timeout, "completer.Await", ctx.Err())
	}
}
