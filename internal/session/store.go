// Package session keeps login sessions. One Store is authoritative; in
// cluster mode it lives in the primary process and every worker keeps a
// Mirror that is fed by replication messages.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"sharefolder/internal/metrics"
)

var (
	ErrAuth        = errors.New("invalid credentials")
	ErrUnavailable = errors.New("session primary unavailable")
)

const (
	DefaultTimeout        = 1800 * time.Second
	DefaultMinUpdatePause = 5000 * time.Millisecond
)

// Service is the session API the HTTP layer depends on.
type Service interface {
	Login(ctx context.Context, username, password string) (string, error)
	Validate(ctx context.Context, id string) (string, bool)
	Touch(id string)
	Logout(id string)
}

// Authenticator checks a username/password pair.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// Clock is the time source of the store; tests swap in a manual one.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Session is a snapshot of one table entry.
type Session struct {
	ID        string
	Username  string
	TouchedAt time.Time
}

type entry struct {
	Session
	timer Timer
	gen   uint64
}

type Options struct {
	Timeout        time.Duration
	MinUpdatePause time.Duration
	Clock          Clock
	// OnExpire runs after a session timed out and was removed.
	OnExpire func(id string)
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MinUpdatePause <= 0 {
		o.MinUpdatePause = DefaultMinUpdatePause
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	return o
}

// Store is the authoritative session table. Each session owns one expiry
// timer; resetting it is debounced by MinUpdatePause.
type Store struct {
	mu       sync.Mutex
	opts     Options
	sessions map[string]*entry
}

func NewStore(opts Options) *Store {
	return &Store{opts: opts.withDefaults(), sessions: make(map[string]*entry)}
}

// NewToken returns 32 random bytes, base64url encoded.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create mints a fresh id for username, regenerating on collision.
func (s *Store) Create(username string) (Session, error) {
	for {
		id, err := NewToken()
		if err != nil {
			return Session{}, err
		}
		s.mu.Lock()
		if _, taken := s.sessions[id]; taken {
			s.mu.Unlock()
			continue
		}
		sess := s.installLocked(id, username, s.opts.Clock.Now())
		s.mu.Unlock()
		return sess, nil
	}
}

// Install adds a session minted elsewhere. It reports false if id exists.
func (s *Store) Install(id, username string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return false
	}
	if at.IsZero() {
		at = s.opts.Clock.Now()
	}
	s.installLocked(id, username, at)
	return true
}

func (s *Store) installLocked(id, username string, at time.Time) Session {
	e := &entry{Session: Session{ID: id, Username: username}}
	s.sessions[id] = e
	s.scheduleLocked(e, at)
	metrics.SetSessionsActive(len(s.sessions))
	return e.Session
}

func (s *Store) scheduleLocked(e *entry, at time.Time) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.TouchedAt = at
	e.gen++
	id, gen := e.ID, e.gen
	d := at.Add(s.opts.Timeout).Sub(s.opts.Clock.Now())
	e.timer = s.opts.Clock.AfterFunc(d, func() { s.expire(id, gen) })
}

func (s *Store) expire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()

	metrics.SetSessionsActive(n)
	if s.opts.OnExpire != nil {
		s.opts.OnExpire(id)
	}
}

// Lookup returns the live session for id.
func (s *Store) Lookup(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	// The timer may not have run yet.
	if !s.opts.Clock.Now().Before(e.TouchedAt.Add(s.opts.Timeout)) {
		return Session{}, false
	}
	return e.Session, true
}

// Touch restarts the expiry timer unless the last restart was less than
// MinUpdatePause ago. It reports whether the timer was restarted.
func (s *Store) Touch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return false
	}
	now := s.opts.Clock.Now()
	if now.Sub(e.TouchedAt) < s.opts.MinUpdatePause {
		return false
	}
	s.scheduleLocked(e, now)
	return true
}

// Refresh restarts the timer from at, as reported by a worker that already
// applied the debounce. Stale timestamps are ignored.
func (s *Store) Refresh(id string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok || !at.After(e.TouchedAt) {
		return false
	}
	s.scheduleLocked(e, at)
	return true
}

// Delete removes id and cancels its timer.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		e.timer.Stop()
		delete(s.sessions, id)
	}
	n := len(s.sessions)
	s.mu.Unlock()
	if ok {
		metrics.SetSessionsActive(n)
	}
	return ok
}

// ExpiresAt returns when id is scheduled to expire.
func (s *Store) ExpiresAt(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return time.Time{}, false
	}
	return e.TouchedAt.Add(s.opts.Timeout), true
}

// Snapshot copies the table.
func (s *Store) Snapshot() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.Session)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops every timer. The table is left as is.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.sessions {
		e.timer.Stop()
	}
}

// Local serves sessions straight from a Store, for single-process mode.
type Local struct {
	store *Store
	auth  Authenticator
}

func NewLocal(store *Store, auth Authenticator) *Local {
	return &Local{store: store, auth: auth}
}

func (l *Local) Login(_ context.Context, username, password string) (string, error) {
	ok := l.auth.Authenticate(username, password)
	metrics.RecordAuthAttempt(ok)
	if !ok {
		return "", ErrAuth
	}
	sess, err := l.store.Create(username)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

func (l *Local) Validate(_ context.Context, id string) (string, bool) {
	sess, ok := l.store.Lookup(id)
	return sess.Username, ok
}

func (l *Local) Touch(id string) { l.store.Touch(id) }

func (l *Local) Logout(id string) { l.store.Delete(id) }
