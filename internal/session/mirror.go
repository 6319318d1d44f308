package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sharefolder/internal/logging"
	"sharefolder/internal/metrics"
)

// DefaultQueryTimeout bounds a hasSession round trip to the primary.
const DefaultQueryTimeout = 2 * time.Second

type mirrored struct {
	username   string
	lastUpdate time.Time
}

// Mirror is a worker's read-mostly copy of the session table. Misses are
// resolved with a synchronous query to the primary; any failure there means
// "not logged in".
type Mirror struct {
	worker       string
	up           Uplink
	auth         Authenticator
	clock        Clock
	minPause     time.Duration
	timeout      time.Duration
	queryTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*mirrored
}

type MirrorOptions struct {
	WorkerID       string
	MinUpdatePause time.Duration
	// Timeout ages out entries whose delete broadcast never arrived.
	Timeout      time.Duration
	QueryTimeout time.Duration
	Clock        Clock
}

func NewMirror(up Uplink, auth Authenticator, opts MirrorOptions) *Mirror {
	if opts.MinUpdatePause <= 0 {
		opts.MinUpdatePause = DefaultMinUpdatePause
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	return &Mirror{
		worker:       opts.WorkerID,
		up:           up,
		auth:         auth,
		clock:        opts.Clock,
		minPause:     opts.MinUpdatePause,
		timeout:      opts.Timeout,
		queryTimeout: opts.QueryTimeout,
		sessions:     make(map[string]*mirrored),
	}
}

// Hello asks the primary to replay its table into this mirror.
func (m *Mirror) Hello() error {
	return m.up.Send(Message{Kind: KindHello, Origin: m.worker})
}

func (m *Mirror) Login(_ context.Context, username, password string) (string, error) {
	ok := m.auth.Authenticate(username, password)
	metrics.RecordAuthAttempt(ok)
	if !ok {
		return "", ErrAuth
	}

	now := m.clock.Now()
	var id string
	for {
		tok, err := NewToken()
		if err != nil {
			return "", err
		}
		m.mu.Lock()
		if _, taken := m.sessions[tok]; !taken {
			m.sessions[tok] = &mirrored{username: username, lastUpdate: now}
			id = tok
		}
		m.mu.Unlock()
		if id != "" {
			break
		}
	}

	err := m.up.Send(Message{
		Kind:      KindNewSession,
		ID:        id,
		Username:  username,
		Timestamp: stamp(now),
		Origin:    m.worker,
	})
	if err != nil {
		m.drop(id)
		logging.L().Error("session publish failed", zap.Error(err))
		return "", ErrUnavailable
	}
	return id, nil
}

func (m *Mirror) Validate(ctx context.Context, id string) (string, bool) {
	if id == "" {
		return "", false
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok && m.clock.Now().Sub(s.lastUpdate) > m.timeout {
		// Stale: the primary decides.
		delete(m.sessions, id)
		ok = false
	}
	var user string
	if ok {
		user = s.username
	}
	m.mu.Unlock()
	if ok {
		return user, true
	}

	qctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	reply, err := m.up.Request(qctx, Message{Kind: KindHasSession, ID: id, Origin: m.worker})
	if err != nil {
		logging.L().Warn("session query failed", zap.Error(err))
		return "", false
	}
	if !reply.Found || reply.ID != id {
		return "", false
	}
	m.install(id, reply.Username, reply.Time())
	return reply.Username, true
}

// Touch forwards a timer reset to the primary at most once per minPause.
func (m *Mirror) Touch(id string) {
	now := m.clock.Now()
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || now.Sub(s.lastUpdate) < m.minPause {
		m.mu.Unlock()
		return
	}
	s.lastUpdate = now
	m.mu.Unlock()

	err := m.up.Send(Message{Kind: KindUpdateSession, ID: id, Timestamp: stamp(now), Origin: m.worker})
	if err != nil {
		logging.L().Warn("session update failed", zap.Error(err))
	}
}

func (m *Mirror) Logout(id string) {
	if id == "" {
		return
	}
	// The session may live on the primary without being mirrored here yet.
	m.drop(id)
	if err := m.up.Send(Message{Kind: KindDeleteSession, ID: id, Origin: m.worker}); err != nil {
		logging.L().Warn("session delete failed", zap.Error(err))
	}
}

// Len is the number of mirrored sessions.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

type mirrorHandler func(m *Mirror, msg Message)

var mirrorHandlers = map[Kind]mirrorHandler{
	KindNewSession: func(m *Mirror, msg Message) {
		m.install(msg.ID, msg.Username, msg.Time())
	},
	KindDeleteSession: func(m *Mirror, msg Message) {
		m.drop(msg.ID)
	},
	KindUpdateSession: func(m *Mirror, msg Message) {
		m.mu.Lock()
		if s, ok := m.sessions[msg.ID]; ok && msg.Time().After(s.lastUpdate) {
			s.lastUpdate = msg.Time()
		}
		m.mu.Unlock()
	},
}

// Apply folds a message pushed by the primary into the mirror.
func (m *Mirror) Apply(msg Message) {
	h, ok := mirrorHandlers[msg.Kind]
	if !ok {
		logging.L().Debug("ignored session message", zap.String("kind", string(msg.Kind)))
		return
	}
	h(m, msg)
}

func (m *Mirror) install(id, username string, at time.Time) {
	if at.IsZero() {
		at = m.clock.Now()
	}
	m.mu.Lock()
	m.sessions[id] = &mirrored{username: username, lastUpdate: at}
	m.mu.Unlock()
}

func (m *Mirror) drop(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}
