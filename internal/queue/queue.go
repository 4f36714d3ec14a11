// Package queue defines the delivery queue between accepted sends and the
// worker pool. Entries are delivered at least once and must be acked.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformedEntry marks an entry whose fields could not be decoded.
var ErrMalformedEntry = errors.New("malformed queue entry")

// Attachment is a base64 encoded file carried with a send request.
type Attachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Message asks the worker pool to deliver a task now. It is written once.
type Message struct {
	TaskID      string         `json:"taskId"`
	Data        map[string]any `json:"data"`
	Priority    string         `json:"priority"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	RequestedAt time.Time      `json:"requestedAt"`
	UserID      int64          `json:"userId"`
	TeamID      *int64         `json:"teamId,omitempty"`
}

// Delivery is one entry handed to a consumer. Err is set when the entry
// could not be decoded; such entries should be acked and dropped.
type Delivery struct {
	ID      string
	Message Message
	Err     error
}

// Queue is the backend contract shared by the Redis stream and SQS implementations.
type Queue interface {
	// EnsureGroup creates the consumer group if needed. Repeated calls are no-ops.
	EnsureGroup(ctx context.Context) error
	Enqueue(ctx context.Context, msg *Message) (string, error)
	Read(ctx context.Context, consumer string, count int, block time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, id string) error
	// Reclaim hands entries left unacked for longer than minIdle to consumer.
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Delivery, error)
}

// Fields flattens the message into stream entry fields.
func (m *Message) Fields() (map[string]any, error) {
	data := m.Data
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}

	attachments := m.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	attJSON, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}

	team := ""
	if m.TeamID != nil {
		team = strconv.FormatInt(*m.TeamID, 10)
	}

	return map[string]any{
		"taskId":      m.TaskID,
		"data":        string(dataJSON),
		"priority":    m.Priority,
		"attachments": string(attJSON),
		"requestedAt": strconv.FormatInt(m.RequestedAt.UnixMilli(), 10),
		"userId":      strconv.FormatInt(m.UserID, 10),
		"teamId":      team,
	}, nil
}

// FromFields rebuilds a message from stream entry fields.
func FromFields(fields map[string]any) (Message, error) {
	get := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}

	var m Message
	m.TaskID = get("taskId")
	if m.TaskID == "" {
		return m, fmt.Errorf("%w: missing taskId", ErrMalformedEntry)
	}
	m.Priority = get("priority")

	if raw := get("data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Data); err != nil {
			return m, fmt.Errorf("%w: data: %v", ErrMalformedEntry, err)
		}
	}
	if m.Data == nil {
		m.Data = map[string]any{}
	}

	if raw := get("attachments"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Attachments); err != nil {
			return m, fmt.Errorf("%w: attachments: %v", ErrMalformedEntry, err)
		}
	}

	if raw := get("requestedAt"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return m, fmt.Errorf("%w: requestedAt: %v", ErrMalformedEntry, err)
		}
		m.RequestedAt = time.UnixMilli(ms)
	}

	if raw := get("userId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return m, fmt.Errorf("%w: userId: %v", ErrMalformedEntry, err)
		}
		m.UserID = id
	}

	if raw := get("teamId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return m, fmt.Errorf("%w: teamId: %v", ErrMalformedEntry, err)
		}
		m.TeamID = &id
	}

	return m, nil
}
