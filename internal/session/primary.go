package session

import (
	"sync"

	"go.uber.org/zap"

	"sharefolder/internal/logging"
)

// Primary owns the authoritative Store and fans replication messages out to
// the attached workers.
type Primary struct {
	store *Store

	mu      sync.RWMutex
	workers map[string]Sender
}

type primaryHandler func(p *Primary, from string, m Message) *Message

var primaryHandlers = map[Kind]primaryHandler{
	KindNewSession:    (*Primary).onNew,
	KindDeleteSession: (*Primary).onDelete,
	KindUpdateSession: (*Primary).onUpdate,
	KindHasSession:    (*Primary).onHas,
	KindHello:         (*Primary).onHello,
}

// NewPrimary builds the store from opts. Expired sessions are announced to
// every worker.
func NewPrimary(opts Options) *Primary {
	p := &Primary{workers: make(map[string]Sender)}
	next := opts.OnExpire
	opts.OnExpire = func(id string) {
		p.broadcast(Message{Kind: KindDeleteSession, ID: id}, "")
		if next != nil {
			next(id)
		}
	}
	p.store = NewStore(opts)
	return p
}

func (p *Primary) Store() *Store { return p.store }

// Attach registers the link to worker id, replacing an older one.
func (p *Primary) Attach(id string, s Sender) {
	p.mu.Lock()
	p.workers[id] = s
	p.mu.Unlock()
}

func (p *Primary) Detach(id string) {
	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()
}

// Handle applies a message received from worker from. The returned message,
// if any, is the reply to send back to that worker.
func (p *Primary) Handle(from string, m Message) *Message {
	h, ok := primaryHandlers[m.Kind]
	if !ok {
		logging.L().Warn("unknown session message", zap.String("kind", string(m.Kind)), zap.String("worker", from))
		return nil
	}
	return h(p, from, m)
}

func (p *Primary) onNew(from string, m Message) *Message {
	if p.store.Install(m.ID, m.Username, m.Time()) {
		p.broadcast(m, from)
	}
	return nil
}

func (p *Primary) onDelete(from string, m Message) *Message {
	if p.store.Delete(m.ID) {
		p.broadcast(m, from)
	}
	return nil
}

func (p *Primary) onUpdate(from string, m Message) *Message {
	if p.store.Refresh(m.ID, m.Time()) {
		p.broadcast(m, from)
	}
	return nil
}

func (p *Primary) onHas(_ string, m Message) *Message {
	reply := &Message{Kind: KindHasSessionReply, ID: m.ID, Seq: m.Seq}
	if sess, ok := p.store.Lookup(m.ID); ok {
		reply.Found = true
		reply.Username = sess.Username
		reply.Timestamp = stamp(sess.TouchedAt)
	}
	return reply
}

func (p *Primary) onHello(from string, _ Message) *Message {
	p.mu.RLock()
	s, ok := p.workers[from]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	for _, sess := range p.store.Snapshot() {
		err := s.Send(Message{
			Kind:      KindNewSession,
			ID:        sess.ID,
			Username:  sess.Username,
			Timestamp: stamp(sess.TouchedAt),
		})
		if err != nil {
			logging.L().Warn("session replay failed", zap.String("worker", from), zap.Error(err))
			return nil
		}
	}
	return nil
}

// broadcast sends m to every worker except the one it came from.
func (p *Primary) broadcast(m Message, except string) {
	p.mu.RLock()
	targets := make(map[string]Sender, len(p.workers))
	for id, s := range p.workers {
		if id != except {
			targets[id] = s
		}
	}
	p.mu.RUnlock()

	for id, s := range targets {
		if err := s.Send(m); err != nil {
			logging.L().Warn("session broadcast failed",
				zap.String("worker", id),
				zap.String("kind", string(m.Kind)),
				zap.Error(err),
			)
		}
	}
}
