// Package sqs implements the Queue Adapter over Amazon SQS.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	ourqueue "go.landform.dev/worker/internal/queue"
)

// ClientAPI is the subset of the SQS SDK client this package calls,
// narrowed so tests can fake it.
type ClientAPI interface {
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, opts ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, in *sqs.SetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error)
	DeleteQueue(ctx context.Context, in *sqs.DeleteQueueInput, opts ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
	PurgeQueue(ctx context.Context, in *sqs.PurgeQueueInput, opts ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

const (
	fifoGroupID = "landform"
	openRetries = 2
	openBackoff = 60 * time.Second
)

// Queue implements queue.Queue over a single SQS queue URL.
type Queue struct {
	client     ClientAPI
	name       string
	url        string
	fifo       bool
	owned      bool
	visibility time.Duration
}

var _ ourqueue.Queue = (*Queue)(nil)

// Opener implements queue.Opener over a real SQS client: owned queues are
// auto-created or updated to the requested visibility timeout, unowned
// queues adopt whatever timeout exists.
type Opener struct {
	Client ClientAPI
}

func NewOpener(client ClientAPI) *Opener {
	return &Opener{Client: client}
}

func (o *Opener) Open(ctx context.Context, opts ourqueue.OpenOptions) (ourqueue.Queue, error) {
	var q *Queue
	operation := func() error {
		built, err := o.open(ctx, opts)
		if err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		q = built
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(openBackoff), openRetries)
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return q, nil
}

func (o *Opener) open(ctx context.Context, opts ourqueue.OpenOptions) (*Queue, error) {
	name := opts.Name
	if opts.FIFO && !strings.HasSuffix(name, ".fifo") {
		name += ".fifo"
	}

	urlOut, err := o.Client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	exists := err == nil
	if err != nil && !isQueueMissing(err) {
		return nil, fmt.Errorf("sqs: lookup queue %q: %w", name, err)
	}

	if !exists {
		if !opts.Owned || !opts.AutoCreate {
			return nil, fmt.Errorf("%w: %s", ourqueue.ErrQueueNotFound, name)
		}
		attrs := map[string]string{
			"VisibilityTimeout": strconv.Itoa(int(opts.DefaultVisibility.Seconds())),
		}
		if opts.FIFO {
			attrs["FifoQueue"] = "true"
		}
		created, err := o.Client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name), Attributes: attrs})
		if err != nil {
			return nil, fmt.Errorf("sqs: create queue %q: %w", name, err)
		}
		return &Queue{client: o.Client, name: name, url: aws.ToString(created.QueueUrl), fifo: opts.FIFO, owned: opts.Owned, visibility: opts.DefaultVisibility}, nil
	}

	url := aws.ToString(urlOut.QueueUrl)
	current, err := o.currentVisibility(ctx, url)
	if err != nil {
		return nil, err
	}

	switch {
	case opts.Owned && current != opts.DefaultVisibility:
		if _, err := o.Client.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
			QueueUrl:   aws.String(url),
			Attributes: map[string]string{"VisibilityTimeout": strconv.Itoa(int(opts.DefaultVisibility.Seconds()))},
		}); err != nil {
			return nil, fmt.Errorf("sqs: update visibility on owned queue %q: %w", name, err)
		}
	case !opts.Owned && current != opts.DefaultVisibility:
		log.Warn().Str("queue", name).Dur("existing", current).Dur("requested", opts.DefaultVisibility).
			Msg("unowned queue has a different visibility timeout than requested; adopting existing value")
		opts.DefaultVisibility = current
	}

	return &Queue{client: o.Client, name: name, url: url, fifo: opts.FIFO, owned: opts.Owned, visibility: opts.DefaultVisibility}, nil
}

func (o *Opener) currentVisibility(ctx context.Context, url string) (time.Duration, error) {
	out, err := o.Client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameVisibilityTimeout},
	})
	if err != nil {
		return 0, fmt.Errorf("sqs: get attributes: %w", err)
	}
	raw := out.Attributes[string(types.QueueAttributeNameVisibilityTimeout)]
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("sqs: parse visibility timeout %q: %w", raw, err)
	}
	return time.Duration(secs) * time.Second, nil
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Enqueue(ctx context.Context, payload string) error {
	in := &sqs.SendMessageInput{QueueUrl: aws.String(q.url), MessageBody: aws.String(payload)}
	if q.fifo {
		in.MessageGroupId = aws.String(fifoGroupID)
	}
	_, err := q.client.SendMessage(ctx, in)
	if err != nil {
		return fmt.Errorf("sqs: send message: %w", err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, maxCount int, longPoll time.Duration, overrideVisibility time.Duration) ([]*ourqueue.Message, error) {
	vis := q.visibility
	if overrideVisibility > 0 {
		vis = overrideVisibility
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.url),
		MaxNumberOfMessages:         int32(maxCount),
		WaitTimeSeconds:             int32(longPoll.Seconds()),
		VisibilityTimeout:           int32(vis.Seconds()),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameSentTimestamp, types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: sqs receive: %v", ourqueue.ErrTransient, err)
	}

	now := time.Now().UnixMilli()
	msgs := make([]*ourqueue.Message, 0, len(out.Messages))
	for _, raw := range out.Messages {
		sentAt := now
		if v, ok := raw.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				sentAt = ms
			}
		}
		count := 1
		if v, ok := raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				count = n
			}
		}
		msgs = append(msgs, &ourqueue.Message{
			MessageID:          aws.ToString(raw.MessageId),
			ReceiptHandle:      aws.ToString(raw.ReceiptHandle),
			Body:               aws.ToString(raw.Body),
			SentAtMS:           sentAt,
			FirstReceivedAtMS:  now,
			ApproxReceiveCount: count,
		})
	}
	return msgs, nil
}

func (q *Queue) ExtendVisibility(ctx context.Context, m *ourqueue.Message, seconds time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(m.ReceiptHandle),
		VisibilityTimeout: int32(seconds.Seconds()),
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			return fmt.Errorf("%w: %v", ourqueue.ErrReceiptInvalid, err)
		}
		return fmt.Errorf("sqs: extend visibility: %w", err)
	}
	return nil
}

func (q *Queue) Delete(ctx context.Context, m *ourqueue.Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(m.ReceiptHandle),
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			// Already gone from the caller's perspective: idempotent.
			return nil
		}
		return fmt.Errorf("sqs: delete message: %w", err)
	}
	return nil
}

func (q *Queue) Purge(ctx context.Context) error {
	_, err := q.client.PurgeQueue(ctx, &sqs.PurgeQueueInput{QueueUrl: aws.String(q.url)})
	if err != nil {
		return fmt.Errorf("sqs: purge: %w", err)
	}
	return nil
}

func (q *Queue) SizeEstimate(ctx context.Context, includeInvisible bool) (int64, error) {
	names := []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages}
	if includeInvisible {
		names = append(names, types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)
	}
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{QueueUrl: aws.String(q.url), AttributeNames: names})
	if err != nil {
		return 0, fmt.Errorf("sqs: get attributes: %w", err)
	}
	var total int64
	for _, n := range names {
		v, err := strconv.ParseInt(out.Attributes[string(n)], 10, 64)
		if err == nil {
			total += v
		}
	}
	return total, nil
}

func (q *Queue) DeleteQueue(ctx context.Context) error {
	if !q.owned {
		return fmt.Errorf("sqs: refusing to delete unowned queue %q", q.name)
	}
	_, err := q.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(q.url)})
	if err != nil {
		return fmt.Errorf("sqs: delete queue: %w", err)
	}
	return nil
}

func isQueueMissing(err error) bool {
	return strings.Contains(err.Error(), "NonExistentQueue") || strings.Contains(err.Error(), "QueueDoesNotExist")
}

func isReceiptHandleExpiredError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "ReceiptHandleIsInvalid") || (strings.Contains(msg, "receipt handle") && strings.Contains(msg, "expired"))
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"ThrottlingException", "RequestThrottled", "timeout", "connection reset", "EOF"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
