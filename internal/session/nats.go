package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"sharefolder/internal/logging"
	"sharefolder/internal/metrics"
)

// DialNATS connects to the session bus, retrying in the background.
func DialNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func primarySubject(prefix string) string { return prefix + ".primary" }

func workerSubject(prefix, id string) string { return prefix + ".worker." + id }

type natsSender struct {
	nc      *nats.Conn
	subject string
}

func (s natsSender) Send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return err
	}
	metrics.RecordClusterMessage(string(m.Kind), "out")
	return nil
}

// ServeNATSPrimary subscribes p to the primary subject. A worker announces
// itself with hello, which also attaches its subject for broadcasts.
func ServeNATSPrimary(nc *nats.Conn, prefix string, p *Primary) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(primarySubject(prefix), func(msg *nats.Msg) {
		var m Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			logging.L().Warn("bad session message", zap.Error(err))
			return
		}
		metrics.RecordClusterMessage(string(m.Kind), "in")
		if m.Kind == KindHello && m.Origin != "" {
			p.Attach(m.Origin, natsSender{nc: nc, subject: workerSubject(prefix, m.Origin)})
		}
		reply := p.Handle(m.Origin, m)
		if reply == nil || msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if err := msg.Respond(data); err != nil {
			logging.L().Warn("session reply failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nc.Flush()
}

// NATSUplink is a worker's Uplink over NATS.
type NATSUplink struct {
	natsSender
	sub *nats.Subscription
}

// NewNATSUplink subscribes to the worker's own subject, delivering pushed
// messages to h, and returns a link to the primary.
func NewNATSUplink(nc *nats.Conn, prefix, workerID string, h func(Message)) (*NATSUplink, error) {
	sub, err := nc.Subscribe(workerSubject(prefix, workerID), func(msg *nats.Msg) {
		var m Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			logging.L().Warn("bad session message", zap.Error(err))
			return
		}
		metrics.RecordClusterMessage(string(m.Kind), "in")
		h(m)
	})
	if err != nil {
		return nil, err
	}
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	return &NATSUplink{
		natsSender: natsSender{nc: nc, subject: primarySubject(prefix)},
		sub:        sub,
	}, nil
}

func (u *NATSUplink) Request(ctx context.Context, m Message) (Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Message{}, err
	}
	resp, err := u.nc.RequestWithContext(ctx, u.subject, data)
	if err != nil {
		return Message{}, err
	}
	var reply Message
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return Message{}, err
	}
	metrics.RecordClusterMessage(string(reply.Kind), "in")
	return reply, nil
}

func (u *NATSUplink) Close() error {
	return u.sub.Unsubscribe()
}
