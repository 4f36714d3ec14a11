package worker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"github.com/lyb88999/gns/internal/db"
)

// TelegramBot is the part of *tele.Bot the Telegram channel uses.
type TelegramBot interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// NewTelegramBot builds a send-only bot. apiURL may be empty for the public
// Bot API.
func NewTelegramBot(token, apiURL string, client *http.Client) (*tele.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	return tele.NewBot(tele.Settings{
		Token:   token,
		URL:     apiURL,
		Client:  client,
		Offline: true,
	})
}

// TelegramStrategy posts the rendered content to a chat.
type TelegramStrategy struct {
	bot    TelegramBot
	logger *zap.Logger
}

func NewTelegramStrategy(bot TelegramBot, logger *zap.Logger) *TelegramStrategy {
	return &TelegramStrategy{bot: bot, logger: logger}
}

func (s *TelegramStrategy) Channel() string { return ChannelTelegram }

func (s *TelegramStrategy) Send(ctx context.Context, task *db.Task, content string, _ *db.User, _ map[string]any) []Outcome {
	if task.CustomData == nil {
		return []Outcome{skipped()}
	}

	chat := stringField(task.CustomData, "telegramChatId")
	if chat == "" {
		return []Outcome{misconfigured("", "Missing telegramChatId")}
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return []Outcome{misconfigured(chat, fmt.Sprintf("invalid telegramChatId %q", chat))}
	}

	if err := ctx.Err(); err != nil {
		return []Outcome{failed(chat, err)}
	}

	if _, err := s.bot.Send(&tele.Chat{ID: chatID}, content); err != nil {
		s.logger.Error("telegram send failed",
			zap.String("task_id", task.TaskID),
			zap.Int64("chat_id", chatID),
			zap.Error(err),
		)
		return []Outcome{failed(chat, fmt.Errorf("telegram send failed: %w", err))}
	}

	s.logger.Info("telegram message sent", zap.String("task_id", task.TaskID), zap.Int64("chat_id", chatID))
	return []Outcome{succeeded(chat)}
}
