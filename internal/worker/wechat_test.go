package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/redis"
)

type fakeWeCom struct {
	tokenCalls atomic.Int32
	mu         sync.Mutex
	sent       []appMessage
	sendCode   int
}

func (f *fakeWeCom) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if r.URL.Query().Get("corpid") != "corp" || r.URL.Query().Get("corpsecret") != "secret" {
			t.Errorf("unexpected token query %v", r.URL.Query())
		}
		w.Write([]byte(`{"errcode":0,"errmsg":"ok","access_token":"TOKEN","expires_in":7200}`))
	})
	mux.HandleFunc("/cgi-bin/message/send", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "TOKEN" {
			t.Errorf("missing access token: %v", r.URL.Query())
		}
		var msg appMessage
		json.NewDecoder(r.Body).Decode(&msg)
		f.mu.Lock()
		f.sent = append(f.sent, msg)
		f.mu.Unlock()
		if f.sendCode != 0 {
			w.Write([]byte(`{"errcode":81013,"errmsg":"user invalid"}`))
			return
		}
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	})
	return mux
}

func appTask(extra map[string]any) *db.Task {
	cd := map[string]any{"wechatCorpId": "corp", "wechatCorpSecret": "secret", "wechatAgentId": "1000002"}
	for k, v := range extra {
		cd[k] = v
	}
	return &db.Task{TaskID: "t1", CustomData: cd}
}

func TestWeChatStrategy_AppModeCachesToken(t *testing.T) {
	fake := &fakeWeCom{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client, mr := setupTestRedis(t)
	s := NewWeChatStrategy(NewPoster(PosterConfig{}), redis.NewTokenCache(client), srv.URL, zap.NewNop())

	for i := 0; i < 2; i++ {
		outcomes := s.Send(context.Background(), appTask(nil), "hello", nil, map[string]any{})
		if len(outcomes) != 1 || !outcomes[0].Success || outcomes[0].Recipient != "@all" {
			t.Fatalf("send %d: unexpected outcomes %+v", i, outcomes)
		}
	}

	if n := fake.tokenCalls.Load(); n != 1 {
		t.Fatalf("expected token to be fetched once, got %d", n)
	}
	if ttl := mr.TTL("gns:wechat:token:corp"); ttl != 7000*time.Second {
		t.Errorf("token ttl = %s, want 7000s", ttl)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if msg := fake.sent[0]; msg.ToUser != "@all" || msg.AgentID != 1000002 || msg.MsgType != "text" || msg.Text.Content != "hello" {
		t.Errorf("unexpected payload %+v", msg)
	}
}

func TestWeChatStrategy_RecipientPrecedence(t *testing.T) {
	fake := &fakeWeCom{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client, _ := setupTestRedis(t)
	s := NewWeChatStrategy(NewPoster(PosterConfig{}), redis.NewTokenCache(client), srv.URL, zap.NewNop())

	task := appTask(map[string]any{"wechatToUser": "ops"})

	outcomes := s.Send(context.Background(), task, "x", nil, map[string]any{"wechatUser": "alice"})
	if outcomes[0].Recipient != "alice" {
		t.Errorf("request data should win, got %q", outcomes[0].Recipient)
	}
	outcomes = s.Send(context.Background(), task, "x", nil, map[string]any{})
	if outcomes[0].Recipient != "ops" {
		t.Errorf("task config should be the fallback, got %q", outcomes[0].Recipient)
	}
}

func TestWeChatStrategy_APIErrorIsFailure(t *testing.T) {
	fake := &fakeWeCom{sendCode: 81013}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client, _ := setupTestRedis(t)
	s := NewWeChatStrategy(NewPoster(PosterConfig{}), redis.NewTokenCache(client), srv.URL, zap.NewNop())

	outcomes := s.Send(context.Background(), appTask(nil), "x", nil, nil)
	if outcomes[0].Success || !strings.Contains(outcomes[0].Err.Error(), "81013") {
		t.Fatalf("expected api failure, got %+v", outcomes)
	}
}

func TestWeChatStrategy_WebhookWins(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"errcode":0}`))
	}))
	defer srv.Close()

	client, _ := setupTestRedis(t)
	s := NewWeChatStrategy(NewPoster(PosterConfig{}), redis.NewTokenCache(client), "http://127.0.0.1:1", zap.NewNop())

	hook := srv.URL + "/cgi-bin/webhook/send?key=k"
	outcomes := s.Send(context.Background(), appTask(map[string]any{"wechatWebhook": hook}), "x", nil, nil)
	if len(outcomes) != 1 || !outcomes[0].Success || outcomes[0].Recipient != hook {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one webhook call, got %d", hits.Load())
	}
}

func TestWeChatStrategy_MissingConfiguration(t *testing.T) {
	client, _ := setupTestRedis(t)
	s := NewWeChatStrategy(NewPoster(PosterConfig{}), redis.NewTokenCache(client), "", zap.NewNop())

	task := &db.Task{TaskID: "t1", CustomData: map[string]any{"wechatCorpId": "corp"}}
	outcomes := s.Send(context.Background(), task, "x", nil, nil)
	want := "Missing WeChat configuration. Provide either Webhook URL OR CorpId/Secret/AgentId"
	if len(outcomes) != 1 || outcomes[0].Success || !strings.Contains(outcomes[0].Err.Error(), want) {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	if outcomes[0].Recipient != "@all" {
		t.Errorf("recipient = %q", outcomes[0].Recipient)
	}

	outcomes = s.Send(context.Background(), &db.Task{TaskID: "t1"}, "x", nil, nil)
	if outcomes[0].Success || outcomes[0].Status() != db.StatusSkipped || outcomes[0].Recipient != "" {
		t.Errorf("nil custom data should be skipped, got %+v", outcomes)
	}
}
