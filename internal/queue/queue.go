// Package queue defines the backend-neutral Queue Adapter contract.
// Concrete backends live in sibling packages (sqs, natsjs); the rest of the
// chassis depends only on this interface.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueNotFound is returned by Open when the queue is not owned and
	// does not exist, or is owned and auto-create is disabled.
	ErrQueueNotFound = errors.New("queue: not found")
	// ErrReceiptInvalid is returned by ExtendVisibility when the receipt
	// handle's lease has already expired or the handle is unknown. Delete
	// does not return it: an expired or unknown receipt counts as deleted.
	ErrReceiptInvalid = errors.New("queue: receipt handle invalid or expired")
	// ErrTransient wraps backend errors that the caller should retry after
	// a coarse backoff rather than treat as fatal.
	ErrTransient = errors.New("queue: transient error")
)

// ParsedVariant records which Message Codec shape produced a Message, purely
// for logging; the codec does the actual parsing.
type ParsedVariant string

const (
	VariantUnknown             ParsedVariant = ""
	VariantGeneric             ParsedVariant = "generic"
	VariantStorageEvent        ParsedVariant = "storage-event"
	VariantWrappedNotification ParsedVariant = "wrapped-notification"
)

// Message is a received queue message. Its fields are set at receipt; the
// only later write is Variant, which the dispatch loop fills in after
// parsing.
type Message struct {
	MessageID          string
	ReceiptHandle      string
	Body               string
	SentAtMS           int64
	FirstReceivedAtMS  int64
	ApproxReceiveCount int
	Variant            ParsedVariant
}

// Age returns how long it has been since the message was first sent.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.SentAtMS))
}

// OpenOptions configures Open.
type OpenOptions struct {
	Name              string
	DefaultVisibility time.Duration
	Owned             bool
	AutoCreate        bool
	FIFO              bool
}

// Queue is the backend-neutral queue contract. A Queue instance wraps
// exactly one backend queue (main or fail); callers hold one Queue per role.
type Queue interface {
	// Enqueue appends payload to the queue. If the queue is FIFO a fixed
	// message-group id is attached by the implementation.
	Enqueue(ctx context.Context, payload string) error

	// Dequeue long-polls for up to maxCount messages. overrideVisibility,
	// when non-zero, replaces the queue's default visibility timeout for
	// this batch only (used by the peek utility commands).
	Dequeue(ctx context.Context, maxCount int, longPoll time.Duration, overrideVisibility time.Duration) ([]*Message, error)

	// ExtendVisibility refreshes the lease for a single message.
	ExtendVisibility(ctx context.Context, m *Message, seconds time.Duration) error

	// Delete removes the message. Idempotent from the caller's perspective.
	Delete(ctx context.Context, m *Message) error

	// Purge empties the queue.
	Purge(ctx context.Context) error

	// SizeEstimate returns the approximate number of messages; when
	// includeInvisible is true, in-flight (leased) messages are counted too.
	SizeEstimate(ctx context.Context, includeInvisible bool) (int64, error)

	// DeleteQueue removes the queue itself. Only valid when owned.
	DeleteQueue(ctx context.Context) error

	// Name returns the queue's configured name.
	Name() string
}

// Opener constructs a Queue with open/auto-create/adopt semantics: owned
// queues may be created and have their visibility timeout enforced, unowned
// queues must already exist. Each backend package provides one.
type Opener interface {
	Open(ctx context.Context, opts OpenOptions) (Queue, error)
}
