// Package sns publishes delivery attempt events to an SNS topic so other
// systems can subscribe to outcomes by channel or status.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lyb88999/gns/internal/db"
)

// maxBatch is the SNS PublishBatch entry limit.
const maxBatch = 10

// API is the subset of the SNS client used for events and SMS.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// Publisher handles SNS topic publishing of delivery events
type Publisher struct {
	client   API
	topicARN string
}

// Event is the JSON body of a delivery event.
type Event struct {
	NotificationID string `json:"notification_id"`
	TaskID         string `json:"task_id"`
	TaskName       string `json:"task_name"`
	UserID         int64  `json:"user_id"`
	Channel        string `json:"channel"`
	Recipient      string `json:"recipient"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	SentAt         int64  `json:"sent_at"`
}

// EventFromAttempt converts a logged attempt into its event form.
func EventFromAttempt(a *db.DeliveryAttempt) Event {
	e := Event{
		NotificationID: a.NotificationID,
		TaskID:         a.TaskID,
		TaskName:       a.TaskName,
		UserID:         a.UserID,
		Channel:        a.Channel,
		Recipient:      a.Recipient,
		Status:         a.Status,
		SentAt:         a.SentAt.UnixMilli(),
	}
	if a.ErrorMessage != nil {
		e.Error = *a.ErrorMessage
	}
	return e
}

// NewClient loads the default AWS config for region and returns an SNS client.
func NewClient(ctx context.Context, region string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sns.NewFromConfig(cfg), nil
}

// NewPublisher creates an event publisher for the given topic
func NewPublisher(client API, topicARN string) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}
}

func attributes(e Event) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"channel": {
			DataType:    aws.String("String"),
			StringValue: aws.String(e.Channel),
		},
		"status": {
			DataType:    aws.String("String"),
			StringValue: aws.String(e.Status),
		},
	}
}

// Publish sends one attempt with channel and status attributes for filtering.
func (p *Publisher) Publish(ctx context.Context, a *db.DeliveryAttempt) (string, error) {
	e := EventFromAttempt(a)
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attributes(e),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// PublishBatch sends the attempts of one firing, chunked to the SNS limit.
func (p *Publisher) PublishBatch(ctx context.Context, attempts []*db.DeliveryAttempt) ([]string, error) {
	if len(attempts) == 0 {
		return nil, nil
	}

	var ids []string
	for start := 0; start < len(attempts); start += maxBatch {
		end := start + maxBatch
		if end > len(attempts) {
			end = len(attempts)
		}

		chunk, err := p.publishChunk(ctx, attempts[start:end])
		if err != nil {
			return ids, err
		}
		ids = append(ids, chunk...)
	}
	return ids, nil
}

func (p *Publisher) publishChunk(ctx context.Context, attempts []*db.DeliveryAttempt) ([]string, error) {
	entries := make([]types.PublishBatchRequestEntry, len(attempts))
	for i, a := range attempts {
		e := EventFromAttempt(a)
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %d: %w", i, err)
		}

		entries[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(fmt.Sprintf("e%d", i)),
			Message:           aws.String(string(payload)),
			MessageAttributes: attributes(e),
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish batch to SNS: %w", err)
	}

	if len(result.Failed) > 0 {
		return nil, fmt.Errorf("partial batch failure: %d events failed", len(result.Failed))
	}

	messageIDs := make([]string, len(result.Successful))
	for i, entry := range result.Successful {
		messageIDs[i] = aws.ToString(entry.MessageId)
	}

	return messageIDs, nil
}
