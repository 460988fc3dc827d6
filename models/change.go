package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ChangeKind is the type of a row change.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Change describes one committed row mutation. Before is set for updates and deletes,
// After for inserts and updates. A delete's Before may only carry the id.
type Change struct {
	Kind       ChangeKind      `json:"kind"`
	Table      Table           `json:"table"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
}

// NewChange marshals the row images into a Change.
func NewChange(kind ChangeKind, table Table, before, after any) (Change, error) {
	c := Change{Kind: kind, Table: table, CommitTime: time.Now().UTC()}
	if before != nil {
		raw, err := json.Marshal(before)
		if err != nil {
			return Change{}, err
		}
		c.Before = raw
	}
	if after != nil {
		raw, err := json.Marshal(after)
		if err != nil {
			return Change{}, err
		}
		c.After = raw
	}
	return c, nil
}

// Matches reports whether either row image has field equal to value.
// A filter of the form "field=value" is accepted; an empty filter matches everything.
func (c Change) Matches(filter string) bool {
	if filter == "" {
		return true
	}
	field, value, ok := strings.Cut(filter, "=")
	if !ok {
		return false
	}
	value = strings.TrimPrefix(value, "eq.")
	for _, raw := range []json.RawMessage{c.Before, c.After} {
		if len(raw) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		if s, ok := row[field].(string); ok && s == value {
			return true
		}
	}
	return false
}

// Feed message types.
const (
	MessageJoin   = "join"
	MessageLeave  = "leave"
	MessageStatus = "status"
	MessageChange = "change"
	MessagePing   = "ping"
	MessagePong   = "pong"
	MessageError  = "error"
)

// Channel status values reported in status messages.
const (
	StatusSubscribed   = "SUBSCRIBED"
	StatusClosed       = "CLOSED"
	StatusChannelError = "CHANNEL_ERROR"
)

// FeedMessage is the envelope of every realtime websocket frame.
type FeedMessage struct {
	Type   string  `json:"type"`
	Ref    string  `json:"ref,omitempty"`
	Topic  Table   `json:"topic,omitempty"`
	Filter string  `json:"filter,omitempty"`
	Status string  `json:"status,omitempty"`
	Change *Change `json:"change,omitempty"`
	Error  string  `json:"error,omitempty"`
}
