// Package handler defines the contract application code plugs into the
// worker chassis. The core consumes exactly these capabilities and never sees
// domain types; concrete services implement Handler and hand it to
// dispatch.New.
package handler

import (
	"context"
	"errors"

	"go.landform.dev/worker/internal/queue"
)

// ErrNoRecycleConstructor is returned by the dispatch loop when retry
// deprioritization is enabled but the handler cannot construct a recycled
// copy of the failing message.
var ErrNoRecycleConstructor = errors.New("handler: no recycle constructor for message")

// Handler is the required part of the contract: Accept, Handle and Describe.
// AlternateParser, Recycler and Killer below are optional capabilities the
// dispatch loop detects by type assertion.
type Handler interface {
	// Accept decides quickly whether this worker should process the
	// message. It must not block on I/O and must not panic. When ok is
	// false, reason is logged and the message is deleted without a
	// fail-queue forward.
	Accept(m *queue.Message) (ok bool, reason string)

	// Handle processes the message. A nil error means handled; a non-nil
	// error routes the message to the drop/recycle/fail policy. The ctx is
	// cancelled when the handler exceeds its wall-clock budget; handlers
	// that spawn external work should register it via Killer.
	Handle(ctx context.Context, m *queue.Message) error

	// Describe renders the message for logs. Must never panic.
	Describe(m *queue.Message, verbose bool) string
}

// AlternateParser is an optional capability: a handler that recognizes
// payload shapes beyond the configured codec variant returns a canonical URL
// for them here. Returning ok=false falls through to the codec.
type AlternateParser interface {
	AlternateParse(body string) (url string, ok bool)
}

// Recycler is an optional capability used when retry deprioritization is
// enabled: it constructs a fresh payload equivalent to m, to be enqueued at
// the tail of the main queue after m is deleted. Without it the dispatch loop
// recycles the codec's copy of the parsed body (codec.RecycledCopy).
type Recycler interface {
	RecycledCopy(m *queue.Message) (payload string, ok bool)
}

// Killer is an optional capability for handlers that spawn external work
// (typically a subprocess). KillExternalWork is invoked when the handler
// overruns its wall-clock budget; absent this capability the hard-kill path
// is a no-op and only context cancellation fires.
type Killer interface {
	KillExternalWork()
}
