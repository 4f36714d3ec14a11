package worker

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/queue"
)

type fakeSES struct {
	mu     sync.Mutex
	inputs []*ses.SendRawEmailInput
	failTo string
}

func (f *fakeSES) SendRawEmail(_ context.Context, in *ses.SendRawEmailInput, _ ...func(*ses.Options)) (*ses.SendRawEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if len(in.Destinations) > 0 && in.Destinations[0] == f.failTo {
		return nil, errors.New("MessageRejected")
	}
	return &ses.SendRawEmailOutput{MessageId: aws.String("msg-1")}, nil
}

type parsedMail struct {
	subject     string
	bodyType    string
	body        string
	attachments map[string]string
}

func parseMail(t *testing.T, raw []byte) parsedMail {
	t.Helper()
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	dec := new(mime.WordDecoder)
	subject, _ := dec.DecodeHeader(msg.Header.Get("Subject"))

	_, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("content type: %v", err)
	}

	out := parsedMail{subject: subject, attachments: map[string]string{}}
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		// NextPart decodes quoted-printable bodies transparently.
		data, _ := io.ReadAll(part)
		if name := part.FileName(); name != "" {
			out.attachments[name] = strings.ReplaceAll(string(data), "\r\n", "")
			continue
		}
		out.bodyType = part.Header.Get("Content-Type")
		out.body = string(data)
	}
	return out
}

func TestEmailStrategy_ReceiversFromData(t *testing.T) {
	fake := &fakeSES{failTo: "bad@x.io"}
	s := NewEmailStrategy(fake, "noreply@gns.local", zap.NewNop())

	task := &db.Task{TaskID: "t1", Name: "Daily report"}
	owner := &db.User{Email: "owner@x.io"}
	data := map[string]any{"receivers": []any{"a@x.io", "bad@x.io"}}

	outcomes := s.Send(context.Background(), task, "all good", owner, data)
	if len(outcomes) != 2 {
		t.Fatalf("expected one outcome per receiver, got %+v", outcomes)
	}
	if !outcomes[0].Success || outcomes[0].Recipient != "a@x.io" {
		t.Errorf("first receiver: %+v", outcomes[0])
	}
	if outcomes[1].Success || outcomes[1].Recipient != "bad@x.io" {
		t.Errorf("second receiver should fail alone: %+v", outcomes[1])
	}

	m := parseMail(t, fake.inputs[0].RawMessage.Data)
	if m.subject != "Daily report" {
		t.Errorf("subject = %q", m.subject)
	}
	if !strings.HasPrefix(m.bodyType, "text/plain") || m.body != "all good" {
		t.Errorf("unexpected body %q %q", m.bodyType, m.body)
	}
	if aws.ToString(fake.inputs[0].Source) != "noreply@gns.local" {
		t.Errorf("source = %q", aws.ToString(fake.inputs[0].Source))
	}
}

func TestEmailStrategy_FallsBackToOwner(t *testing.T) {
	fake := &fakeSES{}
	s := NewEmailStrategy(fake, "noreply@gns.local", zap.NewNop())

	outcomes := s.Send(context.Background(), &db.Task{TaskID: "t1", Name: "n"}, "x", &db.User{Email: "owner@x.io"}, map[string]any{})
	if len(outcomes) != 1 || outcomes[0].Recipient != "owner@x.io" || !outcomes[0].Success {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}

	outcomes = s.Send(context.Background(), &db.Task{TaskID: "t1"}, "x", &db.User{}, nil)
	if len(outcomes) != 0 {
		t.Fatalf("no receivers should produce no outcomes, got %+v", outcomes)
	}
}

func TestEmailStrategy_HTMLAndAttachments(t *testing.T) {
	fake := &fakeSES{}
	s := NewEmailStrategy(fake, "noreply@gns.local", zap.NewNop())

	data := map[string]any{
		"receivers": "a@x.io",
		"attachments": []queue.Attachment{
			{Filename: "report.csv", Content: "YSxiCjEsMgo="},
			{Filename: "broken.bin", Content: "!!not base64!!"},
		},
	}
	content := "<html><body><h1>Hi</h1></body></html>"

	outcomes := s.Send(context.Background(), &db.Task{TaskID: "t1", Name: "n"}, content, nil, data)
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}

	m := parseMail(t, fake.inputs[0].RawMessage.Data)
	if !strings.HasPrefix(m.bodyType, "text/html") || m.body != content {
		t.Errorf("expected html body, got %q %q", m.bodyType, m.body)
	}
	if len(m.attachments) != 1 || m.attachments["report.csv"] != "YSxiCjEsMgo=" {
		t.Errorf("unexpected attachments %v", m.attachments)
	}
}

func TestDecodeAttachmentsFromJSON(t *testing.T) {
	got := decodeAttachments([]any{
		map[string]any{"filename": "a.txt", "content": "aGk="},
		map[string]any{"filename": "", "content": "aGk="},
		"junk",
	}, zap.NewNop())
	if len(got) != 1 || got[0].filename != "a.txt" || string(got[0].content) != "hi" {
		t.Fatalf("unexpected attachments %+v", got)
	}
}
