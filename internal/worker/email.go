package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/queue"
)

// SESAPI is the part of the SES client the email channel uses.
type SESAPI interface {
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// EmailStrategy sends one message per receiver through AWS SES.
type EmailStrategy struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

func NewEmailStrategy(client SESAPI, from string, logger *zap.Logger) *EmailStrategy {
	return &EmailStrategy{client: client, from: from, logger: logger}
}

func (s *EmailStrategy) Channel() string { return ChannelEmail }

func (s *EmailStrategy) Send(ctx context.Context, task *db.Task, content string, owner *db.User, data map[string]any) []Outcome {
	receivers := stringList(data, "receivers")
	if len(receivers) == 0 && owner != nil && owner.Email != "" {
		receivers = []string{owner.Email}
	}

	attachments := decodeAttachments(data["attachments"], s.logger)

	outcomes := make([]Outcome, 0, len(receivers))
	for _, to := range receivers {
		raw, err := buildMIME(s.from, to, task.Name, content, attachments)
		if err != nil {
			outcomes = append(outcomes, failed(to, err))
			continue
		}

		out, err := s.client.SendRawEmail(ctx, &ses.SendRawEmailInput{
			Source:       aws.String(s.from),
			Destinations: []string{to},
			RawMessage:   &types.RawMessage{Data: raw},
		})
		if err != nil {
			s.logger.Error("ses send failed",
				zap.String("task_id", task.TaskID),
				zap.String("to", to),
				zap.Error(err),
			)
			outcomes = append(outcomes, failed(to, fmt.Errorf("ses send failed: %w", err)))
			continue
		}

		s.logger.Info("email sent via SES",
			zap.String("task_id", task.TaskID),
			zap.String("to", to),
			zap.String("message_id", aws.ToString(out.MessageId)),
		)
		outcomes = append(outcomes, succeeded(to))
	}

	return outcomes
}

type mailAttachment struct {
	filename string
	content  []byte
}

// decodeAttachments accepts either queue attachments or their JSON decoded
// form. Entries that are not valid base64 are skipped.
func decodeAttachments(v any, logger *zap.Logger) []mailAttachment {
	var raw []queue.Attachment
	switch list := v.(type) {
	case []queue.Attachment:
		raw = list
	case []any:
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			raw = append(raw, queue.Attachment{
				Filename: stringField(m, "filename"),
				Content:  stringField(m, "content"),
			})
		}
	}

	out := make([]mailAttachment, 0, len(raw))
	for _, a := range raw {
		if a.Filename == "" || a.Content == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			logger.Warn("skipping attachment", zap.String("filename", a.Filename), zap.Error(err))
			continue
		}
		out = append(out, mailAttachment{filename: a.Filename, content: b})
	}
	return out
}

func isHTML(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<body")
}

func buildMIME(from, to, subject, body string, attachments []mailAttachment) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	contentType := "text/plain; charset=UTF-8"
	if isHTML(body) {
		contentType = "text/html; charset=UTF-8"
	}
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, fmt.Errorf("create body part: %w", err)
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}

	for _, a := range attachments {
		name := mime.QEncoding.Encode("UTF-8", a.filename)
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {fmt.Sprintf("application/octet-stream; name=%q", name)},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", name)},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if err := writeBase64Lines(part, a.content); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", a.filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), nil
}

func writeBase64Lines(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := w.Write([]byte(encoded[:76] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := w.Write([]byte(encoded + "\r\n"))
	return err
}
