package sqs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/queue"
)

type fakeSQS struct {
	bodies  []string
	deleted []string
	recv    *sqs.ReceiveMessageInput
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.bodies = append(f.bodies, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.recv = in
	out := &sqs.ReceiveMessageOutput{}
	for i, b := range f.bodies {
		out.Messages = append(out.Messages, types.Message{
			Body:          aws.String(b),
			ReceiptHandle: aws.String("rh-" + string(rune('a'+i))),
		})
	}
	f.bodies = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func newTestQueue() (*Queue, *fakeSQS) {
	fake := &fakeSQS{}
	return NewWithClient(fake, Config{QueueURL: "https://sqs.local/123/gns"}, zap.NewNop()), fake
}

func TestQueue_EnqueueReadAck(t *testing.T) {
	q, fake := newTestQueue()
	ctx := context.Background()

	team := int64(3)
	id, err := q.Enqueue(ctx, &queue.Message{
		TaskID:      "task-1",
		Data:        map[string]any{"name": "Ada"},
		Priority:    "high",
		RequestedAt: time.UnixMilli(1700000000000),
		UserID:      7,
		TeamID:      &team,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("expected message id, got %q", id)
	}

	got, err := q.Read(ctx, "c1", 50, time.Minute)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fake.recv.MaxNumberOfMessages != 10 || fake.recv.WaitTimeSeconds != 20 {
		t.Errorf("receive limits not clamped: %d %d", fake.recv.MaxNumberOfMessages, fake.recv.WaitTimeSeconds)
	}
	if len(got) != 1 || got[0].Err != nil {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	m := got[0].Message
	if m.TaskID != "task-1" || m.UserID != 7 || m.TeamID == nil || *m.TeamID != 3 || m.Data["name"] != "Ada" {
		t.Errorf("message not decoded: %+v", m)
	}

	if err := q.Ack(ctx, got[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != got[0].ID {
		t.Errorf("expected receipt handle to be deleted, got %v", fake.deleted)
	}
}

func TestQueue_MalformedBody(t *testing.T) {
	q, fake := newTestQueue()
	fake.bodies = []string{"not json", `{"data":{}}`}

	got, err := q.Read(context.Background(), "c1", 10, time.Second)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	for _, d := range got {
		if !errors.Is(d.Err, queue.ErrMalformedEntry) {
			t.Errorf("expected malformed entry, got %v", d.Err)
		}
	}
}

func TestQueue_ReclaimDefersToVisibilityTimeout(t *testing.T) {
	q, _ := newTestQueue()
	got, err := q.Reclaim(context.Background(), "c1", time.Minute, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no reclaimed entries, got %v %v", got, err)
	}
	if q.visibility != 300 {
		t.Errorf("expected default visibility timeout, got %d", q.visibility)
	}
}
