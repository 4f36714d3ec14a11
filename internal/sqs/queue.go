// Package sqs is the Amazon SQS backend of the delivery queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/queue"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// VisibilityTimeout is how long a received message stays hidden before
	// another consumer may receive it again.
	VisibilityTimeout time.Duration
}

// API is the subset of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue implements queue.Queue on a single SQS queue. Delivery ids are
// receipt handles, so Ack deletes the received copy of the message.
type Queue struct {
	client     API
	queueURL   string
	visibility int32
	logger     *zap.Logger
}

var _ queue.Queue = (*Queue)(nil)

// New loads the default AWS config for the region and builds a queue.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewWithClient(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

func NewWithClient(client API, cfg Config, logger *zap.Logger) *Queue {
	visibility := int32(cfg.VisibilityTimeout / time.Second)
	if visibility <= 0 {
		visibility = 300
	}
	return &Queue{
		client:     client,
		queueURL:   cfg.QueueURL,
		visibility: visibility,
		logger:     logger,
	}
}

// EnsureGroup is a no-op: every SQS consumer already competes for messages.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	return nil
}

// Enqueue sends msg as a JSON body and returns the SQS message id.
func (q *Queue) Enqueue(ctx context.Context, msg *queue.Message) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("task_id", msg.TaskID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Read long-polls for up to count messages. SQS caps both the batch size
// (10) and the wait (20s).
func (q *Queue) Read(ctx context.Context, consumer string, count int, block time.Duration) ([]queue.Delivery, error) {
	if count <= 0 || count > 10 {
		count = 10
	}
	wait := int32(block / time.Second)
	if wait > 20 {
		wait = 20
	}
	if wait < 0 {
		wait = 0
	}

	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(count),
		WaitTimeSeconds:     wait,
		VisibilityTimeout:   q.visibility,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]queue.Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		d := queue.Delivery{ID: aws.ToString(m.ReceiptHandle)}
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &d.Message); err != nil {
			d.Err = fmt.Errorf("%w: %v", queue.ErrMalformedEntry, err)
		} else if d.Message.TaskID == "" {
			d.Err = fmt.Errorf("%w: missing taskId", queue.ErrMalformedEntry)
		}
		if d.Message.Data == nil {
			d.Message.Data = map[string]any{}
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, nil
}

// Ack deletes the message behind the receipt handle.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(id),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Reclaim returns nothing. Unacked messages reappear on their own once the
// visibility timeout lapses.
func (q *Queue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]queue.Delivery, error) {
	return nil, nil
}
