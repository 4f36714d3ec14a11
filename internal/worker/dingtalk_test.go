package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
)

func TestSignDingTalkURL(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	signed := SignDingTalkURL("https://oapi.dingtalk.com/robot/send?access_token=abc", "SEC1", now)
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("signed url does not parse: %v", err)
	}
	q := u.Query()
	if q.Get("access_token") != "abc" || q.Get("timestamp") != "1700000000123" {
		t.Fatalf("unexpected query %v", q)
	}

	mac := hmac.New(sha256.New, []byte("SEC1"))
	mac.Write([]byte("1700000000123\nSEC1"))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); q.Get("sign") != want {
		t.Errorf("sign = %q, want %q", q.Get("sign"), want)
	}

	if plain := SignDingTalkURL("http://h/robot", "s", now); !strings.HasPrefix(plain, "http://h/robot?timestamp=") {
		t.Errorf("expected ? separator, got %s", plain)
	}
}

func TestDingTalkStrategy_Send(t *testing.T) {
	type request struct {
		query url.Values
		body  textMessage
	}
	requests := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		req.query = r.URL.Query()
		json.NewDecoder(r.Body).Decode(&req.body)
		requests <- req
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	s := NewDingTalkStrategy(NewPoster(PosterConfig{}), zap.NewNop())
	webhook := srv.URL + "/robot/send?access_token=tok"
	task := &db.Task{TaskID: "t1", CustomData: map[string]any{"dingTalkWebhook": webhook, "dingTalkSecret": "sec"}}

	outcomes := s.Send(context.Background(), task, "disk full", nil, nil)
	if len(outcomes) != 1 || !outcomes[0].Success || outcomes[0].Recipient != webhook {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
	req := <-requests
	got, query := req.body, req.query
	if got.MsgType != "text" || got.Text.Content != "disk full" {
		t.Errorf("unexpected body %+v", got)
	}
	if query.Get("sign") == "" || query.Get("timestamp") == "" || query.Get("access_token") != "tok" {
		t.Errorf("expected signed request, got %v", query)
	}
}

func TestDingTalkStrategy_APIErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errcode":310000,"errmsg":"sign not match"}`))
	}))
	defer srv.Close()

	s := NewDingTalkStrategy(NewPoster(PosterConfig{}), zap.NewNop())
	task := &db.Task{TaskID: "t1", CustomData: map[string]any{"dingTalkWebhook": srv.URL}}

	outcomes := s.Send(context.Background(), task, "x", nil, nil)
	if len(outcomes) != 1 || outcomes[0].Success {
		t.Fatalf("expected failure, got %+v", outcomes)
	}
	if !strings.Contains(outcomes[0].Err.Error(), "sign not match") {
		t.Errorf("unexpected error %v", outcomes[0].Err)
	}
	if errors.Is(outcomes[0].Err, ErrMisconfigured) {
		t.Error("remote errors are not configuration errors")
	}
}

func TestDingTalkStrategy_MissingConfig(t *testing.T) {
	s := NewDingTalkStrategy(NewPoster(PosterConfig{}), zap.NewNop())

	outcomes := s.Send(context.Background(), &db.Task{TaskID: "t1"}, "x", nil, nil)
	if len(outcomes) != 1 || outcomes[0].Status() != db.StatusSkipped || outcomes[0].Recipient != "" {
		t.Fatalf("nil custom data should be skipped, got %+v", outcomes)
	}

	outcomes = s.Send(context.Background(), &db.Task{TaskID: "t1", CustomData: map[string]any{}}, "x", nil, nil)
	if len(outcomes) != 1 || outcomes[0].Success || !strings.Contains(outcomes[0].Err.Error(), "Missing webhook URL") {
		t.Fatalf("expected missing webhook failure, got %+v", outcomes)
	}
}
