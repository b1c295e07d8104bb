package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kookgo/kookgo/pkg/event"
)

// fakeConn is an in-memory transport. The test plays the server through
// push and serverClose; the session's writes land in out.
type fakeConn struct {
	codec *Codec

	in        chan Frame
	out       chan Frame
	closed    chan struct{}
	closeOnce sync.Once
	inOnce    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		codec:  NewCodec(event.DefaultRegistry()),
		in:     make(chan Frame, 64),
		out:    make(chan Frame, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() (Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return Frame{}, &CloseError{Code: 1000, Reason: "server closed"}
		}
		return f, nil
	case <-c.closed:
		return Frame{}, ErrTransportClosed
	}
}

func (c *fakeConn) WriteFrame(f Frame) error {
	select {
	case <-c.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return ErrTransportClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(t *testing.T, sig Signal, compress bool) {
	t.Helper()
	f, err := c.codec.Encode(sig, compress)
	require.NoError(t, err)
	c.in <- f
}

func (c *fakeConn) pushRaw(f Frame) {
	c.in <- f
}

func (c *fakeConn) serverClose() {
	c.inOnce.Do(func() { close(c.in) })
}

// nextWrite decodes the next frame the session wrote.
func (c *fakeConn) nextWrite(t *testing.T) Signal {
	t.Helper()
	select {
	case f := <-c.out:
		sig, err := c.codec.Decode(f)
		require.NoError(t, err)
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	urls   []string
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	c := newFakeConn()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type fakeResolver struct {
	mu      sync.Mutex
	resumes []*ResumePoint
	err     error
}

func (r *fakeResolver) Resolve(ctx context.Context, compress bool, resume *ResumePoint) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rp *ResumePoint
	if resume != nil {
		cp := *resume
		rp = &cp
	}
	r.resumes = append(r.resumes, rp)
	if r.err != nil {
		return "", r.err
	}
	return fmt.Sprintf("wss://gateway.test/ws?attempt=%d", len(r.resumes)), nil
}

func (r *fakeResolver) calls() []*ResumePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ResumePoint(nil), r.resumes...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []*event.Event
}

func (s *recordingSink) Publish(ev *event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) sns() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.SN)
	}
	return out
}

type stateRecorder struct {
	mu          sync.Mutex
	transitions [][2]State
}

func (r *stateRecorder) record(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]State{from, to})
}

func (r *stateRecorder) saw(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tr := range r.transitions {
		if tr[0] == from && tr[1] == to {
			return true
		}
	}
	return false
}

func (r *stateRecorder) reached(to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tr := range r.transitions {
		if tr[1] == to {
			return true
		}
	}
	return false
}

func textEvent(sn int64) EventSignal {
	payload := fmt.Sprintf(`{"channel_type":"GROUP","type":1,"target_id":"chan","author_id":"user","content":"msg %d","msg_id":"m-%d","msg_timestamp":1700000000000,"extra":{"type":1,"guild_id":"g"}}`, sn, sn)
	return EventSignal{SN: sn, Payload: json.RawMessage(payload)}
}

func testConfig() Config {
	return Config{
		Compress:          true,
		HelloTimeout:      time.Second,
		ResumeTimeout:     time.Second,
		HeartbeatInterval: time.Hour,
		MissedPongLimit:   2,
		MaxAttempts:       0,
		Backoff:           Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
	}
}

type harness struct {
	session  *Session
	dialer   *fakeDialer
	resolver *fakeResolver
	sink     *recordingSink
	states   *stateRecorder
	errCh    chan error
}

func startSession(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		dialer:   newFakeDialer(),
		resolver: &fakeResolver{},
		sink:     &recordingSink{},
		states:   &stateRecorder{},
		errCh:    make(chan error, 1),
	}
	opts = append([]Option{WithStateHandler(h.states.record)}, opts...)
	h.session = NewSession(cfg, h.resolver, h.dialer, h.sink, opts...)

	go func() { h.errCh <- h.session.Run(context.Background()) }()
	t.Cleanup(func() {
		h.session.Stop()
		select {
		case <-h.session.Done():
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return h
}

func (h *harness) wait(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func (h *harness) runErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}
