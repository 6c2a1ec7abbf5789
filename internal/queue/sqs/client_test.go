package sqs

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	ourqueue "go.landform.dev/worker/internal/queue"
)

type fakeClient struct {
	queues       map[string]string // name -> url
	attrs        map[string]map[string]string
	sent         []string
	received     []types.Message
	deleted      []string
	visChange    []int32
	deletedQueue bool
	purged       bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{queues: map[string]string{}, attrs: map[string]map[string]string{}}
}

func (f *fakeClient) CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, _ ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	url := "https://sqs.test/" + aws.ToString(in.QueueName)
	f.queues[aws.ToString(in.QueueName)] = url
	f.attrs[url] = in.Attributes
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(url)}, nil
}

func (f *fakeClient) GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	url, ok := f.queues[aws.ToString(in.QueueName)]
	if !ok {
		return nil, &types.QueueDoesNotExist{}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(url)}, nil
}

func (f *fakeClient) GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	a := f.attrs[aws.ToString(in.QueueUrl)]
	if a == nil {
		a = map[string]string{"VisibilityTimeout": "30"}
	}
	out := map[string]string{}
	for k, v := range a {
		out[k] = v
	}
	if _, ok := out["VisibilityTimeout"]; !ok {
		out["VisibilityTimeout"] = "30"
	}
	if _, ok := out["ApproximateNumberOfMessages"]; !ok {
		out["ApproximateNumberOfMessages"] = "0"
	}
	return &sqs.GetQueueAttributesOutput{Attributes: out}, nil
}

func (f *fakeClient) SetQueueAttributes(ctx context.Context, in *sqs.SetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error) {
	if f.attrs[aws.ToString(in.QueueUrl)] == nil {
		f.attrs[aws.ToString(in.QueueUrl)] = map[string]string{}
	}
	for k, v := range in.Attributes {
		f.attrs[aws.ToString(in.QueueUrl)][k] = v
	}
	return &sqs.SetQueueAttributesOutput{}, nil
}

func (f *fakeClient) DeleteQueue(ctx context.Context, in *sqs.DeleteQueueInput, _ ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error) {
	f.deletedQueue = true
	return &sqs.DeleteQueueOutput{}, nil
}

func (f *fakeClient) PurgeQueue(ctx context.Context, in *sqs.PurgeQueueInput, _ ...func(*sqs.Options)) (*sqs.PurgeQueueOutput, error) {
	f.purged = true
	return &sqs.PurgeQueueOutput{}, nil
}

func (f *fakeClient) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	msgs := f.received
	f.received = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeClient) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeClient) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.visChange = append(f.visChange, in.VisibilityTimeout)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeClient) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("mid-1")}, nil
}

func TestOpenAutoCreatesOwnedQueue(t *testing.T) {
	c := newFakeClient()
	opener := NewOpener(c)
	q, err := opener.Open(context.Background(), ourqueue.OpenOptions{
		Name: "jobs", DefaultVisibility: 30 * time.Second, Owned: true, AutoCreate: true,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if q.Name() != "jobs" {
		t.Fatalf("name = %q", q.Name())
	}
	if _, ok := c.queues["jobs"]; !ok {
		t.Fatalf("queue was not created")
	}
}

func TestOpenMissingUnownedFails(t *testing.T) {
	c := newFakeClient()
	opener := NewOpener(c)
	_, err := opener.Open(context.Background(), ourqueue.OpenOptions{Name: "jobs", Owned: false})
	if err == nil {
		t.Fatalf("expected ErrQueueNotFound")
	}
}

func TestEnqueueDequeueDelete(t *testing.T) {
	c := newFakeClient()
	opener := NewOpener(c)
	q, err := opener.Open(context.Background(), ourqueue.OpenOptions{
		Name: "jobs", DefaultVisibility: 30 * time.Second, Owned: true, AutoCreate: true,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := q.Enqueue(context.Background(), `{"url":"s3://bucket/a"}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(c.sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(c.sent))
	}

	c.received = []types.Message{{
		MessageId:     aws.String("mid-1"),
		ReceiptHandle: aws.String("rh-1"),
		Body:          aws.String(c.sent[0]),
		Attributes: map[string]string{
			"SentTimestamp":           "1000",
			"ApproximateReceiveCount": "1",
		},
	}}
	msgs, err := q.Dequeue(context.Background(), 1, time.Second, 0)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ReceiptHandle != "rh-1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	if err := q.Delete(context.Background(), msgs[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(c.deleted) != 1 || c.deleted[0] != "rh-1" {
		t.Fatalf("expected delete of rh-1, got %v", c.deleted)
	}
}
