package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
)

// SNSAPI is the part of the SNS client the SMS channel uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSStrategy sends text messages through AWS SNS.
type SMSStrategy struct {
	client SNSAPI
	logger *zap.Logger
}

func NewSMSStrategy(client SNSAPI, logger *zap.Logger) *SMSStrategy {
	return &SMSStrategy{client: client, logger: logger}
}

func (s *SMSStrategy) Channel() string { return ChannelSMS }

func (s *SMSStrategy) Send(ctx context.Context, task *db.Task, content string, _ *db.User, data map[string]any) []Outcome {
	phones := stringList(data, "phones")
	if len(phones) == 0 {
		if task.CustomData == nil {
			return []Outcome{skipped()}
		}
		if p := stringField(task.CustomData, "phoneNumber"); p != "" {
			phones = []string{p}
		}
	}
	if len(phones) == 0 {
		return []Outcome{misconfigured("", "Missing phone number")}
	}

	outcomes := make([]Outcome, 0, len(phones))
	for _, phone := range phones {
		out, err := s.client.Publish(ctx, &sns.PublishInput{
			PhoneNumber: aws.String(phone),
			Message:     aws.String(content),
		})
		if err != nil {
			s.logger.Error("sns publish failed",
				zap.String("task_id", task.TaskID),
				zap.String("phone_number", phone),
				zap.Error(err),
			)
			outcomes = append(outcomes, failed(phone, fmt.Errorf("sns publish failed: %w", err)))
			continue
		}

		s.logger.Info("SMS sent via SNS",
			zap.String("task_id", task.TaskID),
			zap.String("phone_number", phone),
			zap.String("message_id", aws.ToString(out.MessageId)),
		)
		outcomes = append(outcomes, succeeded(phone))
	}
	return outcomes
}
