package worker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
)

// WebhookPayload is the JSON body posted to a task's webhook.
type WebhookPayload struct {
	TaskID   string         `json:"taskId"`
	TaskName string         `json:"taskName"`
	Content  string         `json:"content"`
	Data     map[string]any `json:"data"`
}

// WebhookStrategy posts the rendered content to an arbitrary HTTP endpoint.
type WebhookStrategy struct {
	poster *Poster
	logger *zap.Logger
}

func NewWebhookStrategy(poster *Poster, logger *zap.Logger) *WebhookStrategy {
	return &WebhookStrategy{poster: poster, logger: logger}
}

func (s *WebhookStrategy) Channel() string { return ChannelWebhook }

func (s *WebhookStrategy) Send(ctx context.Context, task *db.Task, content string, _ *db.User, data map[string]any) []Outcome {
	if task.CustomData == nil {
		return []Outcome{skipped()}
	}

	target := stringField(task.CustomData, "webhookUrl")
	if target == "" {
		return []Outcome{misconfigured("", "Missing webhook URL")}
	}

	method := strings.ToUpper(stringField(task.CustomData, "webhookMethod"))
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return []Outcome{misconfigured(target, fmt.Sprintf("webhook method not supported: %s (only POST, PUT, PATCH)", method))}
	}

	headers := map[string]string{"X-GNS-Task-ID": task.TaskID}
	if h, ok := task.CustomData["webhookHeaders"].(map[string]any); ok {
		for k, v := range h {
			headers[k] = scalarString(v)
		}
	}

	if data == nil {
		data = map[string]any{}
	}
	payload := WebhookPayload{TaskID: task.TaskID, TaskName: task.Name, Content: content, Data: payloadData(data)}

	resp, err := s.poster.Do(ctx, method, target, headers, payload)
	if err != nil {
		s.logger.Error("webhook delivery failed",
			zap.String("task_id", task.TaskID),
			zap.String("url", target),
			zap.Error(err),
		)
		return []Outcome{failed(target, fmt.Errorf("webhook request failed: %w", err))}
	}

	preview := resp
	if len(preview) > 256 {
		preview = preview[:256]
	}
	s.logger.Info("webhook delivered successfully",
		zap.String("task_id", task.TaskID),
		zap.String("url", target),
		zap.String("response_preview", string(preview)),
	)
	return []Outcome{succeeded(target)}
}

// channelSettings are custom data keys that configure delivery. Several of
// them carry credentials, so none are echoed to a webhook.
var channelSettings = map[string]bool{
	"attachments":      true,
	"dingTalkWebhook":  true,
	"dingTalkSecret":   true,
	"wechatWebhook":    true,
	"wechatCorpId":     true,
	"wechatCorpSecret": true,
	"wechatAgentId":    true,
	"wechatToUser":     true,
	"telegramChatId":   true,
	"phoneNumber":      true,
	"webhookUrl":       true,
	"webhookMethod":    true,
	"webhookHeaders":   true,
}

// payloadData returns data without file contents and channel settings.
func payloadData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if !channelSettings[k] {
			out[k] = v
		}
	}
	return out
}
