package session

import (
	"context"
	"time"
)

// Kind tags a replication message.
type Kind string

const (
	KindNewSession      Kind = "newSession"
	KindDeleteSession   Kind = "deleteSession"
	KindUpdateSession   Kind = "updateSession"
	KindHasSession      Kind = "hasSession"
	KindHasSessionReply Kind = "hasSessionReply"
	// KindHello announces a (re)started worker; the primary answers with
	// one newSession per live session.
	KindHello Kind = "hello"
)

// Message is the wire form of every replication message. Which fields are
// meaningful depends on Kind.
type Message struct {
	Kind      Kind   `json:"kind"`
	ID        string `json:"id,omitempty"`
	Username  string `json:"username,omitempty"`
	Timestamp int64  `json:"ts,omitempty"` // unix milliseconds
	Seq       uint64 `json:"seq,omitempty"`
	Found     bool   `json:"found,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

func (m Message) Time() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp)
}

func stamp(t time.Time) int64 { return t.UnixMilli() }

// Sender delivers a message one way.
type Sender interface {
	Send(Message) error
}

// Uplink is a worker's connection to the primary.
type Uplink interface {
	Sender
	// Request sends m and waits for the reply carrying the same Seq.
	Request(ctx context.Context, m Message) (Message, error)
}
