package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
)

// DefaultWeChatAPI is the WeCom API base used in app mode.
const DefaultWeChatAPI = "https://qyapi.weixin.qq.com"

// TokenCache stores access tokens per corp id.
type TokenCache interface {
	Get(ctx context.Context, corpID string) (string, error)
	Set(ctx context.Context, corpID, token string, ttl time.Duration) error
}

// WeChatStrategy delivers through a WeCom group robot webhook or, failing
// that, through the application message API.
type WeChatStrategy struct {
	poster  *Poster
	tokens  TokenCache
	apiBase string
	logger  *zap.Logger
}

func NewWeChatStrategy(poster *Poster, tokens TokenCache, apiBase string, logger *zap.Logger) *WeChatStrategy {
	if apiBase == "" {
		apiBase = DefaultWeChatAPI
	}
	return &WeChatStrategy{
		poster:  poster,
		tokens:  tokens,
		apiBase: strings.TrimRight(apiBase, "/"),
		logger:  logger,
	}
}

func (s *WeChatStrategy) Channel() string { return ChannelWeChat }

type appMessage struct {
	ToUser  string      `json:"touser"`
	MsgType string      `json:"msgtype"`
	AgentID int64       `json:"agentid"`
	Text    textContent `json:"text"`
}

func (s *WeChatStrategy) Send(ctx context.Context, task *db.Task, content string, _ *db.User, data map[string]any) []Outcome {
	if task.CustomData == nil {
		return []Outcome{skipped()}
	}

	if webhook := stringField(task.CustomData, "wechatWebhook"); webhook != "" {
		raw, err := s.poster.PostJSON(ctx, webhook, textMessage{MsgType: "text", Text: textContent{Content: content}})
		if err == nil {
			err = checkAPIResult(raw)
		}
		if err != nil {
			s.logger.Error("wechat webhook send failed",
				zap.String("task_id", task.TaskID),
				zap.String("webhook", webhook),
				zap.Error(err),
			)
			return []Outcome{failed(webhook, err)}
		}
		s.logger.Info("wechat webhook message sent", zap.String("task_id", task.TaskID), zap.String("webhook", webhook))
		return []Outcome{succeeded(webhook)}
	}

	toUser := stringField(data, "wechatUser")
	if toUser == "" {
		toUser = stringField(task.CustomData, "wechatToUser")
	}
	if toUser == "" {
		toUser = "@all"
	}

	corpID := stringField(task.CustomData, "wechatCorpId")
	secret := stringField(task.CustomData, "wechatCorpSecret")
	agent := stringField(task.CustomData, "wechatAgentId")
	if corpID == "" || secret == "" || agent == "" {
		return []Outcome{misconfigured(toUser, "Missing WeChat configuration. Provide either Webhook URL OR CorpId/Secret/AgentId")}
	}

	agentID, err := strconv.ParseInt(agent, 10, 64)
	if err != nil {
		return []Outcome{misconfigured(toUser, fmt.Sprintf("invalid wechatAgentId %q", agent))}
	}

	if err := s.sendApp(ctx, corpID, secret, appMessage{
		ToUser:  toUser,
		MsgType: "text",
		AgentID: agentID,
		Text:    textContent{Content: content},
	}); err != nil {
		s.logger.Error("wechat app send failed",
			zap.String("task_id", task.TaskID),
			zap.String("to_user", toUser),
			zap.Error(err),
		)
		return []Outcome{failed(toUser, err)}
	}

	s.logger.Info("wechat app message sent", zap.String("task_id", task.TaskID), zap.String("to_user", toUser))
	return []Outcome{succeeded(toUser)}
}

func (s *WeChatStrategy) sendApp(ctx context.Context, corpID, secret string, msg appMessage) error {
	token, err := s.accessToken(ctx, corpID, secret)
	if err != nil {
		return err
	}

	raw, err := s.poster.PostJSON(ctx, s.apiBase+"/cgi-bin/message/send?access_token="+url.QueryEscape(token), msg)
	if err != nil {
		return err
	}
	return checkAPIResult(raw)
}

type tokenResponse struct {
	apiResult
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *WeChatStrategy) accessToken(ctx context.Context, corpID, secret string) (string, error) {
	if token, err := s.tokens.Get(ctx, corpID); err != nil {
		s.logger.Warn("token cache read failed", zap.String("corp_id", corpID), zap.Error(err))
	} else if token != "" {
		return token, nil
	}

	q := url.Values{}
	q.Set("corpid", corpID)
	q.Set("corpsecret", secret)

	raw, err := s.poster.Get(ctx, s.apiBase+"/cgi-bin/gettoken?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}

	var res tokenResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode access token: %w", err)
	}
	if res.ErrCode != 0 || res.AccessToken == "" {
		return "", fmt.Errorf("fetch access token: api error %d: %s", res.ErrCode, res.ErrMsg)
	}

	ttl := time.Duration(res.ExpiresIn-200) * time.Second
	if ttl < 60*time.Second {
		ttl = 60 * time.Second
	}
	if err := s.tokens.Set(ctx, corpID, res.AccessToken, ttl); err != nil {
		s.logger.Warn("token cache write failed", zap.String("corp_id", corpID), zap.Error(err))
	}

	return res.AccessToken, nil
}
