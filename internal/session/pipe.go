package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"sharefolder/internal/metrics"
)

// Endpoint speaks newline-delimited JSON messages over a byte stream, such
// as the pipe pair between the primary and a worker process. Replies are
// matched to requests by Seq.
type Endpoint struct {
	dec     *json.Decoder
	wmu     sync.Mutex
	enc     *json.Encoder
	closers []io.Closer

	seq     atomic.Uint64
	pmu     sync.Mutex
	pending map[uint64]chan Message

	done      chan struct{}
	closeOnce sync.Once
}

func NewEndpoint(r io.Reader, w io.Writer, closers ...io.Closer) *Endpoint {
	return &Endpoint{
		dec:     json.NewDecoder(r),
		enc:     json.NewEncoder(w),
		closers: closers,
		pending: make(map[uint64]chan Message),
		done:    make(chan struct{}),
	}
}

func (e *Endpoint) Send(m Message) error {
	select {
	case <-e.done:
		return ErrUnavailable
	default:
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if err := e.enc.Encode(m); err != nil {
		return err
	}
	metrics.RecordClusterMessage(string(m.Kind), "out")
	return nil
}

func (e *Endpoint) Request(ctx context.Context, m Message) (Message, error) {
	m.Seq = e.seq.Add(1)
	ch := make(chan Message, 1)
	e.pmu.Lock()
	e.pending[m.Seq] = ch
	e.pmu.Unlock()
	defer func() {
		e.pmu.Lock()
		delete(e.pending, m.Seq)
		e.pmu.Unlock()
	}()

	if err := e.Send(m); err != nil {
		return Message{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-e.done:
		return Message{}, ErrUnavailable
	}
}

// Serve reads messages until the stream ends, routing replies to pending
// requests and everything else to h. A clean EOF returns nil.
func (e *Endpoint) Serve(h func(Message)) error {
	defer e.shutdown()
	for {
		var m Message
		if err := e.dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		metrics.RecordClusterMessage(string(m.Kind), "in")
		if m.Kind == KindHasSessionReply {
			e.pmu.Lock()
			ch, ok := e.pending[m.Seq]
			e.pmu.Unlock()
			if ok {
				ch <- m
			}
			continue
		}
		h(m)
	}
}

// Done is closed once the endpoint stops serving or is closed.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

func (e *Endpoint) shutdown() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Endpoint) Close() error {
	e.shutdown()
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
