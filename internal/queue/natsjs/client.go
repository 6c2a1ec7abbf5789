// Package natsjs implements the Queue Adapter over NATS JetStream: a durable
// explicit-ack consumer whose AckWait plays the role of the visibility
// timeout, with InProgress as the lease extension.
package natsjs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	ourqueue "go.landform.dev/worker/internal/queue"
)

const receiptSep = "::"

// Opener dials a NATS server and produces JetStream-backed queues.
type Opener struct {
	URL          string
	ReconnectMax time.Duration
}

func NewOpener(url string) *Opener {
	return &Opener{URL: url, ReconnectMax: 30 * time.Second}
}

func (o *Opener) connect(ctx context.Context) (*nats.Conn, jetstream.JetStream, error) {
	backoffDelay := time.Second
	var nc *nats.Conn
	var err error
	for {
		nc, err = nats.Connect(o.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(backoffDelay),
			nats.DisconnectErrHandler(func(_ *nats.Conn, e error) {
				log.Warn().Err(e).Msg("natsjs: disconnected")
			}),
		)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(backoffDelay):
		}
		backoffDelay *= 2
		if backoffDelay > o.ReconnectMax {
			backoffDelay = o.ReconnectMax
		}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("natsjs: jetstream: %w", err)
	}
	return nc, js, nil
}

func (o *Opener) Open(ctx context.Context, opts ourqueue.OpenOptions) (ourqueue.Queue, error) {
	nc, js, err := o.connect(ctx)
	if err != nil {
		return nil, err
	}

	streamName := streamNameFor(opts.Name)
	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		if !opts.Owned || !opts.AutoCreate {
			nc.Close()
			return nil, fmt.Errorf("%w: %s", ourqueue.ErrQueueNotFound, opts.Name)
		}
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subjectFor(opts.Name)},
			Retention: jetstream.WorkQueuePolicy,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("natsjs: create stream: %w", err)
		}
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       "landform-worker",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.DefaultVisibility,
		MaxDeliver:    -1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsjs: create consumer: %w", err)
	}

	return &Queue{
		nc:       nc,
		js:       js,
		stream:   stream,
		consumer: consumer,
		name:     opts.Name,
		subject:  subjectFor(opts.Name),
		owned:    opts.Owned,
	}, nil
}

func streamNameFor(name string) string { return "LANDFORM_" + sanitize(name) }
func subjectFor(name string) string    { return "landform.queue." + sanitize(name) }

func sanitize(name string) string {
	return strings.NewReplacer(".", "_", " ", "_", "-", "_").Replace(name)
}

// Queue implements queue.Queue over a single JetStream stream/consumer pair.
type Queue struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	name     string
	subject  string
	owned    bool

	// inFlight maps a synthesized receipt handle (streamSeq::consumerSeq)
	// back to the live jetstream.Msg needed for Ack/Nak, since Message
	// only carries an opaque ReceiptHandle string.
	inFlight map[string]jetstream.Msg
}

var _ ourqueue.Queue = (*Queue)(nil)

func (q *Queue) Name() string { return q.name }

func (q *Queue) Enqueue(ctx context.Context, payload string) error {
	_, err := q.js.Publish(ctx, q.subject, []byte(payload))
	if err != nil {
		return fmt.Errorf("natsjs: publish: %w", err)
	}
	return nil
}

// Dequeue fetches up to maxCount messages. overrideVisibility is not
// applied: every lease lasts the consumer's AckWait.
func (q *Queue) Dequeue(ctx context.Context, maxCount int, longPoll time.Duration, overrideVisibility time.Duration) ([]*ourqueue.Message, error) {
	batch, err := q.consumer.Fetch(maxCount, jetstream.FetchMaxWait(longPoll))
	if err != nil {
		return nil, fmt.Errorf("%w: natsjs fetch: %v", ourqueue.ErrTransient, err)
	}

	if q.inFlight == nil {
		q.inFlight = map[string]jetstream.Msg{}
	}

	now := time.Now().UnixMilli()
	var msgs []*ourqueue.Message
	for m := range batch.Messages() {
		meta, err := m.Metadata()
		if err != nil {
			continue
		}
		handle := fmt.Sprintf("%d%s%d", meta.Sequence.Stream, receiptSep, meta.NumDelivered)
		q.inFlight[handle] = m
		msgs = append(msgs, &ourqueue.Message{
			MessageID:          strconv.FormatUint(meta.Sequence.Stream, 10),
			ReceiptHandle:      handle,
			Body:               string(m.Data()),
			SentAtMS:           meta.Timestamp.UnixMilli(),
			FirstReceivedAtMS:  now,
			ApproxReceiveCount: int(meta.NumDelivered),
		})
	}
	return msgs, nil
}

// ExtendVisibility signals InProgress, which restarts the consumer's
// AckWait; the requested duration is not used.
func (q *Queue) ExtendVisibility(ctx context.Context, m *ourqueue.Message, seconds time.Duration) error {
	msg, ok := q.inFlight[m.ReceiptHandle]
	if !ok {
		return fmt.Errorf("%w: natsjs unknown receipt %s", ourqueue.ErrReceiptInvalid, m.ReceiptHandle)
	}
	if err := msg.InProgress(); err != nil {
		return fmt.Errorf("%w: natsjs extend: %v", ourqueue.ErrReceiptInvalid, err)
	}
	return nil
}

func (q *Queue) Delete(ctx context.Context, m *ourqueue.Message) error {
	msg, ok := q.inFlight[m.ReceiptHandle]
	if !ok {
		// Already acked/gone: idempotent from the caller's perspective.
		return nil
	}
	delete(q.inFlight, m.ReceiptHandle)
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("natsjs: ack: %w", err)
	}
	return nil
}

func (q *Queue) Purge(ctx context.Context) error {
	return q.stream.Purge(ctx)
}

func (q *Queue) SizeEstimate(ctx context.Context, includeInvisible bool) (int64, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("natsjs: stream info: %w", err)
	}
	total := int64(info.State.Msgs)
	if !includeInvisible {
		total -= int64(len(q.inFlight))
		if total < 0 {
			total = 0
		}
	}
	return total, nil
}

func (q *Queue) DeleteQueue(ctx context.Context) error {
	if !q.owned {
		return fmt.Errorf("natsjs: refusing to delete unowned stream %q", q.name)
	}
	if err := q.js.DeleteStream(ctx, streamNameFor(q.name)); err != nil {
		return fmt.Errorf("natsjs: delete stream: %w", err)
	}
	q.nc.Close()
	return nil
}
