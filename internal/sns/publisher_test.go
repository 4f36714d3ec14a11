package sns

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lyb88999/gns/internal/db"
)

type fakeSNS struct {
	published []*sns.PublishInput
	batches   []*sns.PublishBatchInput
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("m1")}, nil
}

func (f *fakeSNS) PublishBatch(ctx context.Context, in *sns.PublishBatchInput, _ ...func(*sns.Options)) (*sns.PublishBatchOutput, error) {
	f.batches = append(f.batches, in)
	out := &sns.PublishBatchOutput{}
	for _, e := range in.PublishBatchRequestEntries {
		out.Successful = append(out.Successful, types.PublishBatchResultEntry{Id: e.Id, MessageId: aws.String("id-" + aws.ToString(e.Id))})
	}
	return out, nil
}

func testAttempt(status string) *db.DeliveryAttempt {
	msg := "boom"
	a := &db.DeliveryAttempt{
		NotificationID: "n1",
		TaskID:         "t1",
		TaskName:       "daily report",
		UserID:         5,
		Channel:        "Email",
		Recipient:      "a@example.com",
		Status:         status,
		SentAt:         time.UnixMilli(1700000000000),
	}
	if status == db.StatusFailed {
		a.ErrorMessage = &msg
	}
	return a
}

func TestPublisher_PublishSetsAttributes(t *testing.T) {
	fake := &fakeSNS{}
	p := NewPublisher(fake, "arn:aws:sns:us-east-1:123:events")

	id, err := p.Publish(context.Background(), testAttempt(db.StatusFailed))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "m1" {
		t.Errorf("unexpected id %q", id)
	}

	in := fake.published[0]
	if got := aws.ToString(in.MessageAttributes["channel"].StringValue); got != "Email" {
		t.Errorf("channel attribute = %q", got)
	}
	if got := aws.ToString(in.MessageAttributes["status"].StringValue); got != "failed" {
		t.Errorf("status attribute = %q", got)
	}

	var e Event
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &e); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if e.Error != "boom" || e.SentAt != 1700000000000 || e.TaskID != "t1" {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestPublisher_PublishBatchChunks(t *testing.T) {
	fake := &fakeSNS{}
	p := NewPublisher(fake, "arn")

	attempts := make([]*db.DeliveryAttempt, 23)
	for i := range attempts {
		attempts[i] = testAttempt(db.StatusSuccess)
	}

	ids, err := p.PublishBatch(context.Background(), attempts)
	if err != nil {
		t.Fatalf("PublishBatch: %v", err)
	}
	if len(ids) != 23 {
		t.Errorf("expected 23 ids, got %d", len(ids))
	}
	if len(fake.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(fake.batches))
	}
	if n := len(fake.batches[2].PublishBatchRequestEntries); n != 3 {
		t.Errorf("last batch size = %d", n)
	}
}

func TestPublisher_PublishBatchEmpty(t *testing.T) {
	fake := &fakeSNS{}
	ids, err := NewPublisher(fake, "arn").PublishBatch(context.Background(), nil)
	if err != nil || ids != nil {
		t.Fatalf("expected no-op, got %v %v", ids, err)
	}
	if len(fake.batches) != 0 {
		t.Error("no request should be made")
	}
}

func TestEventOmitsEmptyError(t *testing.T) {
	raw, _ := json.Marshal(EventFromAttempt(testAttempt(db.StatusSuccess)))
	var m map[string]any
	json.Unmarshal(raw, &m)
	if _, ok := m["error"]; ok {
		t.Error("error should be omitted on success")
	}
}
