package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
)

// DingTalkStrategy posts text messages to a DingTalk robot webhook.
type DingTalkStrategy struct {
	poster *Poster
	logger *zap.Logger
	now    func() time.Time
}

func NewDingTalkStrategy(poster *Poster, logger *zap.Logger) *DingTalkStrategy {
	return &DingTalkStrategy{poster: poster, logger: logger, now: time.Now}
}

func (s *DingTalkStrategy) Channel() string { return ChannelDingTalk }

type textMessage struct {
	MsgType string      `json:"msgtype"`
	Text    textContent `json:"text"`
}

type textContent struct {
	Content string `json:"content"`
}

func (s *DingTalkStrategy) Send(ctx context.Context, task *db.Task, content string, _ *db.User, _ map[string]any) []Outcome {
	if task.CustomData == nil {
		return []Outcome{skipped()}
	}

	webhook := stringField(task.CustomData, "dingTalkWebhook")
	if webhook == "" {
		return []Outcome{misconfigured("", "Missing webhook URL")}
	}

	target := webhook
	if secret := stringField(task.CustomData, "dingTalkSecret"); secret != "" {
		target = SignDingTalkURL(webhook, secret, s.now())
	}

	raw, err := s.poster.PostJSON(ctx, target, textMessage{MsgType: "text", Text: textContent{Content: content}})
	if err == nil {
		err = checkAPIResult(raw)
	}
	if err != nil {
		s.logger.Error("dingtalk send failed",
			zap.String("task_id", task.TaskID),
			zap.String("webhook", webhook),
			zap.Error(err),
		)
		return []Outcome{failed(webhook, err)}
	}

	s.logger.Info("dingtalk message sent", zap.String("task_id", task.TaskID), zap.String("webhook", webhook))
	return []Outcome{succeeded(webhook)}
}

// SignDingTalkURL appends the timestamp and HMAC-SHA256 signature that a
// secured DingTalk robot expects.
func SignDingTalkURL(webhook, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 10)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "\n" + secret))
	sign := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	sep := "?"
	if strings.Contains(webhook, "?") {
		sep = "&"
	}
	return webhook + sep + "timestamp=" + ts + "&sign=" + sign
}
