// Package cluster runs sharefolder as one primary process that owns the
// session table plus N worker processes that serve HTTP from a shared
// listening socket.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"sharefolder/internal/config"
	"sharefolder/internal/logging"
	"sharefolder/internal/metrics"
	"sharefolder/internal/session"
)

// EnvWorkerID carries the worker id into the child process.
const EnvWorkerID = "SHAREFOLDER_WORKER_ID"

// File descriptors inherited by a worker, after stdin/stdout/stderr.
const (
	listenerFD = 3 + iota
	ipcReadFD
	ipcWriteFD
)

const restartDelay = time.Second

// Command builds the child process for a worker. The supervisor adds the
// environment and the inherited files.
type Command func() *exec.Cmd

// fileListener is a listener whose socket can be handed to a child.
type fileListener interface {
	File() (*os.File, error)
}

// Supervisor is the primary process.
type Supervisor struct {
	cfg     config.Config
	primary *session.Primary
	command Command
	sock    *os.File
	nc      *nats.Conn

	mu      sync.Mutex
	workers map[string]*os.Process
}

// NewSupervisor takes over ln; workers accept on duplicates of its socket.
// With cfg.NATSURL set, sessions travel over NATS instead of pipes.
func NewSupervisor(cfg config.Config, primary *session.Primary, ln net.Listener, command Command) (*Supervisor, error) {
	fl, ok := ln.(fileListener)
	if !ok {
		return nil, fmt.Errorf("cluster: listener %T cannot be shared", ln)
	}
	sock, err := fl.File()
	if err != nil {
		return nil, fmt.Errorf("cluster: listener file: %w", err)
	}
	s := &Supervisor{
		cfg:     cfg,
		primary: primary,
		command: command,
		sock:    sock,
		workers: make(map[string]*os.Process),
	}
	if cfg.NATSURL != "" {
		if s.nc, err = session.DialNATS(cfg.NATSURL, "sharefolder-primary"); err != nil {
			sock.Close()
			return nil, err
		}
	}
	return s, nil
}

// Run starts cfg.Workers workers and blocks until ctx is done and every
// worker has exited. A worker that dies is started again only when
// cfg.RestartWorkers is set.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.sock.Close()
	if s.nc != nil {
		defer s.nc.Close()
		sub, err := session.ServeNATSPrimary(s.nc, s.cfg.NATSSubject, s.primary)
		if err != nil {
			return fmt.Errorf("cluster: nats subscribe: %w", err)
		}
		defer sub.Unsubscribe()
	}

	var wg sync.WaitGroup
	for slot := 0; slot < s.cfg.Workers; slot++ {
		slot := slot
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.keep(ctx, slot)
		}()
	}
	logging.L().Info("cluster started", zap.Int("workers", s.cfg.Workers), zap.Bool("nats", s.nc != nil))
	wg.Wait()
	return nil
}

// Workers returns the number of running worker processes.
func (s *Supervisor) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Supervisor) keep(ctx context.Context, slot int) {
	for {
		id := uuid.NewString()
		err := s.runWorker(ctx, id)
		if ctx.Err() != nil {
			return
		}
		l := logging.L().With(zap.Int("slot", slot), zap.String("worker", id))
		if !s.cfg.RestartWorkers {
			l.Error("worker exited", zap.Error(err))
			return
		}
		l.Warn("worker exited, restarting", zap.Error(err))
		metrics.RecordWorkerRestart()
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

// runWorker starts one worker and waits for it. Its session link is
// attached to the primary for the lifetime of the process.
func (s *Supervisor) runWorker(ctx context.Context, id string) error {
	cmd := s.command()
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, EnvWorkerID+"="+id)
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.ExtraFiles = []*os.File{s.sock}

	var ep *session.Endpoint
	if s.nc == nil {
		// down: primary -> worker, up: worker -> primary
		downR, downW, err := os.Pipe()
		if err != nil {
			return err
		}
		upR, upW, err := os.Pipe()
		if err != nil {
			downR.Close()
			downW.Close()
			return err
		}
		cmd.ExtraFiles = append(cmd.ExtraFiles, downR, upW)
		defer downR.Close()
		defer upW.Close()
		ep = session.NewEndpoint(upR, downW, upR, downW)
	}

	if err := cmd.Start(); err != nil {
		if ep != nil {
			ep.Close()
		}
		return fmt.Errorf("start worker: %w", err)
	}
	s.track(id, cmd.Process)
	defer s.untrack(id)

	if ep != nil {
		s.primary.Attach(id, ep)
		defer s.primary.Detach(id)
		defer ep.Close()
		go func() {
			err := ep.Serve(func(m session.Message) {
				if reply := s.primary.Handle(id, m); reply != nil {
					if err := ep.Send(*reply); err != nil {
						logging.L().Warn("session reply failed", zap.String("worker", id), zap.Error(err))
					}
				}
			})
			if err != nil {
				logging.L().Warn("session link closed", zap.String("worker", id), zap.Error(err))
			}
		}()
	}
	logging.L().Info("worker started", zap.String("worker", id), zap.Int("pid", cmd.Process.Pid))

	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
		case <-exited:
		}
	}()
	err := cmd.Wait()
	close(exited)
	return err
}

func (s *Supervisor) track(id string, p *os.Process) {
	s.mu.Lock()
	s.workers[id] = p
	s.mu.Unlock()
}

func (s *Supervisor) untrack(id string) {
	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
}

// WorkerID returns the id assigned by the supervisor, or "" when the
// process was not started as a worker.
func WorkerID() string { return os.Getenv(EnvWorkerID) }

// InheritedListener rebuilds the shared listening socket in a worker.
func InheritedListener() (net.Listener, error) {
	f := os.NewFile(listenerFD, "listener")
	if f == nil {
		return nil, errors.New("cluster: no inherited listener")
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("cluster: inherited listener: %w", err)
	}
	return ln, nil
}

// Link is a worker's connection to the primary's session table.
type Link struct {
	Mirror *session.Mirror
	done   <-chan struct{}
	close  func()
}

// Done is closed when the primary went away.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) Close() { l.close() }

// Join connects a worker to the primary and replays the session table into
// a fresh mirror.
func Join(cfg config.Config, id string, users session.Authenticator) (*Link, error) {
	opts := session.MirrorOptions{
		WorkerID:       id,
		MinUpdatePause: cfg.SessionMinUpdatePauseDuration(),
		Timeout:        cfg.SessionTimeoutDuration(),
	}
	if cfg.NATSURL != "" {
		return joinNATS(cfg, opts, users)
	}

	r := os.NewFile(ipcReadFD, "session-down")
	w := os.NewFile(ipcWriteFD, "session-up")
	if r == nil || w == nil {
		return nil, errors.New("cluster: no inherited session pipes")
	}
	ep := session.NewEndpoint(r, w, r, w)
	m := session.NewMirror(ep, users, opts)
	go func() {
		if err := ep.Serve(m.Apply); err != nil {
			logging.L().Error("session link closed", zap.Error(err))
		}
	}()
	if err := m.Hello(); err != nil {
		ep.Close()
		return nil, err
	}
	return &Link{Mirror: m, done: ep.Done(), close: func() { ep.Close() }}, nil
}

func joinNATS(cfg config.Config, opts session.MirrorOptions, users session.Authenticator) (*Link, error) {
	nc, err := session.DialNATS(cfg.NATSURL, "sharefolder-worker-"+opts.WorkerID)
	if err != nil {
		return nil, err
	}
	var m *session.Mirror
	ready := make(chan struct{})
	up, err := session.NewNATSUplink(nc, cfg.NATSSubject, opts.WorkerID, func(msg session.Message) {
		<-ready
		m.Apply(msg)
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	m = session.NewMirror(up, users, opts)
	close(ready)
	if err := m.Hello(); err != nil {
		up.Close()
		nc.Close()
		return nil, err
	}
	// The bus reconnects on its own; the link only ends with the process.
	return &Link{Mirror: m, done: make(chan struct{}), close: func() {
		up.Close()
		nc.Close()
	}}, nil
}
