// Package gateway implements the gateway session engine: frame codec,
// gateway resolution, the session state machine with heartbeat and resume,
// sequence tracking and reconnect backoff.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kookgo/kookgo/pkg/event"
	"github.com/kookgo/kookgo/pkg/logger"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingHello
	StateActive
	StateReconnecting
	StateResuming
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateResuming:
		return "resuming"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config tunes the session. Zero fields take the DefaultConfig value,
// except MaxAttempts and GapThreshold where zero disables the limit.
type Config struct {
	Compress          bool
	HelloTimeout      time.Duration
	ResumeTimeout     time.Duration
	HeartbeatInterval time.Duration
	// MissedPongLimit is the number of consecutive unanswered pings that
	// kills the connection: it is dropped when the Nth ping in a row goes
	// unanswered, checked at the following heartbeat tick.
	MissedPongLimit int
	// GapThreshold is the widest tolerated sn gap. A wider gap makes the
	// session resume from the last accepted sn.
	GapThreshold int64
	// MaxAttempts bounds consecutive attempts that fail before reaching
	// Active. A connection that became Active and later dropped resets the
	// count instead of spending it.
	MaxAttempts int
	Backoff     Backoff
}

func DefaultConfig() Config {
	return Config{
		Compress:          true,
		HelloTimeout:      6 * time.Second,
		ResumeTimeout:     6 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MissedPongLimit:   2,
		MaxAttempts:       10,
		Backoff:           DefaultBackoff(),
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = d.HelloTimeout
	}
	if c.ResumeTimeout <= 0 {
		c.ResumeTimeout = d.ResumeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MissedPongLimit <= 0 {
		c.MissedPongLimit = d.MissedPongLimit
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.GapThreshold < 0 {
		c.GapThreshold = 0
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// Sink receives accepted events in sn order. Publish must not block.
type Sink interface {
	Publish(ev *event.Event) bool
}

// Snapshot is a consistent copy of the session's observable fields.
type Snapshot struct {
	State     State
	SessionID string
	LastSN    int64
	ConnID    string
	Failures  int
}

type Option func(*Session)

// WithRegistry sets the catalog used to decode event extras.
func WithRegistry(reg *event.Registry) Option {
	return func(s *Session) {
		s.codec = NewCodec(reg)
	}
}

// WithStateHandler registers fn for every state transition. Handlers run
// on the session goroutine and must return quickly.
func WithStateHandler(fn func(from, to State)) Option {
	return func(s *Session) {
		s.onState = append(s.onState, fn)
	}
}

func WithDuplicateHandler(fn func(sn int64)) Option {
	return func(s *Session) {
		s.onDuplicate = fn
	}
}

func WithGapHandler(fn func(v Verdict)) Option {
	return func(s *Session) {
		s.onGap = fn
	}
}

// Session owns one logical gateway session. Only the goroutine running Run
// mutates it; other goroutines use the accessors.
type Session struct {
	cfg      Config
	resolver Resolver
	dialer   Dialer
	sink     Sink
	codec    *Codec

	onState     []func(from, to State)
	onDuplicate func(sn int64)
	onGap       func(v Verdict)

	// Owned by the Run goroutine.
	tracker   Tracker
	sessionID string
	failures  int

	mu   sync.RWMutex
	snap Snapshot
	err  error

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneOnce sync.Once
	done     chan struct{}
}

func NewSession(cfg Config, resolver Resolver, dialer Dialer, sink Sink, opts ...Option) *Session {
	if dialer == nil {
		dialer = NewWebSocketDialer()
	}
	s := &Session{
		cfg:      cfg.normalized(),
		resolver: resolver,
		dialer:   dialer,
		sink:     sink,
		codec:    NewCodec(event.DefaultRegistry()),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Session) State() State {
	return s.Snapshot().State
}

func (s *Session) SessionID() string {
	return s.Snapshot().SessionID
}

func (s *Session) LastSN() int64 {
	return s.Snapshot().LastSN
}

// Err returns the fatal error that ended the session, or nil.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed once the session is terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop terminates the session. It is safe to call more than once and from
// any goroutine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started.CompareAndSwap(false, true) {
			s.finish(nil)
		}
	})
}

// Run connects and keeps the session alive until Stop, ctx cancellation or
// a fatal error. It returns nil when stopped and ErrCredentialRejected or
// ErrConnectExhausted otherwise.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		select {
		case <-s.stopCh:
			return nil
		default:
			return ErrAlreadyStarted
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.loop(ctx)
	s.finish(err)
	return err
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.setState(StateTerminated)
	if err != nil {
		logger.ErrorCF("gateway", "Session terminated", map[string]any{"error": err.Error()})
	} else {
		logger.InfoCF("gateway", "Session stopped", nil)
	}
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.snap.State
	if from == to {
		s.mu.Unlock()
		return
	}
	s.snap.State = to
	s.mu.Unlock()

	logger.DebugCF("gateway", "State changed", map[string]any{"from": from.String(), "to": to.String()})
	for _, fn := range s.onState {
		fn(from, to)
	}
}

func (s *Session) resumePoint() *ResumePoint {
	if s.sessionID == "" {
		return nil
	}
	return &ResumePoint{SN: s.tracker.Last(), SessionID: s.sessionID}
}

func (s *Session) adopt(sessionID string) {
	if sessionID != s.sessionID {
		s.tracker.Reset()
	}
	s.sessionID = sessionID
	s.mu.Lock()
	s.snap.SessionID = sessionID
	s.snap.LastSN = s.tracker.Last()
	s.mu.Unlock()
}

func (s *Session) discardIdentity() {
	s.sessionID = ""
	s.tracker.Reset()
	s.mu.Lock()
	s.snap.SessionID = ""
	s.snap.LastSN = 0
	s.mu.Unlock()
}

func (s *Session) setFailures(n int) {
	s.failures = n
	s.mu.Lock()
	s.snap.Failures = n
	s.mu.Unlock()
}

func (s *Session) loop(ctx context.Context) error {
	s.setState(StateConnecting)
	for {
		if ctx.Err() != nil {
			return nil
		}
		resume := s.resumePoint()
		if resume != nil {
			s.setState(StateResuming)
		} else {
			s.setState(StateConnecting)
		}

		res := s.connect(ctx, resume)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(res.err, ErrCredentialRejected) {
			return res.err
		}

		prev := s.State()
		if res.discard {
			s.discardIdentity()
		}
		if res.discard && prev == StateResuming {
			s.setState(StateConnecting)
		} else {
			s.setState(StateReconnecting)
		}

		if res.activated {
			// A connection that reached Active does not count against the budget.
			s.setFailures(0)
		} else {
			s.setFailures(s.failures + 1)
			if s.cfg.MaxAttempts > 0 && s.failures >= s.cfg.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrConnectExhausted, s.failures, res.err)
			}
		}

		delay := s.cfg.Backoff.Next(s.failures)
		logger.WarnCF("gateway", "Connection lost, retrying", map[string]any{
			"error":    errString(res.err),
			"failures": s.failures,
			"resume":   s.sessionID != "",
			"delay":    delay.String(),
		})
		if err := sleepWithCtx(ctx, delay); err != nil {
			return nil
		}
	}
}

type connResult struct {
	err error
	// discard drops the session identity before the next attempt.
	discard bool
	// activated is set when the connection reached Active before ending.
	activated bool
}

type readResult struct {
	frame Frame
	err   error
}

// connect runs one connection from resolution to teardown.
func (s *Session) connect(ctx context.Context, resume *ResumePoint) (res connResult) {
	url, err := s.resolver.Resolve(ctx, s.cfg.Compress, resume)
	if err != nil {
		return connResult{err: err}
	}
	conn, err := s.dialer.Dial(ctx, url)
	if err != nil {
		return connResult{err: err}
	}

	connID := uuid.NewString()
	s.mu.Lock()
	s.snap.ConnID = connID
	s.mu.Unlock()
	logger.InfoCF("gateway", "Connected", map[string]any{
		"conn_id": connID,
		"url":     url,
		"resume":  resume != nil,
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = conn.Close()
	}()

	frames := make(chan readResult)
	go readLoop(connCtx, conn, frames)

	var deadline *time.Timer
	if resume == nil {
		s.setState(StateAwaitingHello)
		deadline = time.NewTimer(s.cfg.HelloTimeout)
	} else {
		if err := s.send(conn, Resume{SN: resume.SN}); err != nil {
			return connResult{err: err}
		}
		deadline = time.NewTimer(s.cfg.ResumeTimeout)
	}
	defer deadline.Stop()
	deadlineC := deadline.C

	activated := false
	defer func() { res.activated = activated }()

	beats := make(chan struct{})
	heartbeatStarted := false
	pingOutstanding := false
	missed := 0

	activate := func(interval time.Duration, resumed bool) {
		deadline.Stop()
		deadlineC = nil
		activated = true
		s.setFailures(0)
		s.setState(StateActive)
		missed, pingOutstanding = 0, false
		if interval <= 0 {
			interval = s.cfg.HeartbeatInterval
		}
		if !heartbeatStarted {
			heartbeatStarted = true
			go s.heartbeat(connCtx, conn, interval, beats)
		}
		logger.InfoCF("gateway", "Session active", map[string]any{
			"conn_id":    connID,
			"session_id": s.sessionID,
			"last_sn":    s.tracker.Last(),
			"resumed":    resumed,
		})
	}

	for {
		select {
		case <-ctx.Done():
			return connResult{err: ctx.Err()}

		case <-deadlineC:
			if resume == nil {
				return connResult{err: ErrHandshakeTimeout}
			}
			return connResult{err: ErrResumeTimeout, discard: true}

		case <-beats:
			if pingOutstanding {
				missed++
			}
			pingOutstanding = true
			if missed >= s.cfg.MissedPongLimit {
				return connResult{err: fmt.Errorf("%w: %d pings unanswered", ErrHeartbeatTimeout, missed)}
			}

		case r := <-frames:
			if r.err != nil {
				return connResult{err: r.err}
			}
			sig, err := s.codec.Decode(r.frame)
			if err != nil {
				logger.WarnCF("gateway", "Dropping undecodable frame", map[string]any{
					"conn_id": connID,
					"error":   err.Error(),
				})
				continue
			}

			switch sig := sig.(type) {
			case Hello:
				if sig.Code != 0 {
					if isCredentialHelloCode(sig.Code) {
						return connResult{err: fmt.Errorf("%w: hello code %d", ErrCredentialRejected, sig.Code)}
					}
					return connResult{err: fmt.Errorf("gateway: hello refused with code %d", sig.Code), discard: true}
				}
				if st := s.State(); st != StateAwaitingHello && st != StateResuming {
					logger.DebugCF("gateway", "Ignoring repeated hello", map[string]any{"conn_id": connID})
					continue
				}
				if sig.SessionID == "" {
					logger.WarnCF("gateway", "Hello without session id", map[string]any{"conn_id": connID})
					continue
				}
				resumed := resume != nil && sig.SessionID == s.sessionID
				s.adopt(sig.SessionID)
				activate(sig.HeartbeatInterval, resumed)

			case ResumeAck:
				if s.State() != StateResuming {
					logger.DebugCF("gateway", "Ignoring unexpected resume ack", map[string]any{"conn_id": connID})
					continue
				}
				if sig.SessionID != "" && sig.SessionID != s.sessionID {
					// Same lineage under a new id; the replay position is kept.
					s.sessionID = sig.SessionID
					s.mu.Lock()
					s.snap.SessionID = sig.SessionID
					s.mu.Unlock()
				}
				activate(0, true)

			case EventSignal:
				if evRes, stop := s.handleEvent(connID, sig); stop {
					return evRes
				}

			case Pong:
				pingOutstanding = false
				missed = 0

			case Reconnect:
				return connResult{err: &ReconnectRequested{Code: sig.Code, Reason: sig.Reason}, discard: true}

			case Ping:
				logger.DebugCF("gateway", "Server ping", map[string]any{"conn_id": connID, "sn": sig.SN})

			default:
				logger.DebugCF("gateway", "Ignoring signal", map[string]any{
					"conn_id": connID,
					"op":      sig.Opcode().String(),
				})
			}
		}
	}
}

// handleEvent runs the sequence check and hands the event off. It returns
// stop=true when the connection must be abandoned.
func (s *Session) handleEvent(connID string, sig EventSignal) (connResult, bool) {
	if st := s.State(); st != StateActive && st != StateResuming {
		logger.WarnCF("gateway", "Event before handshake, dropped", map[string]any{
			"conn_id": connID,
			"sn":      sig.SN,
		})
		return connResult{}, false
	}

	if v := s.tracker.Check(sig.SN); v.Kind == Gap && s.cfg.GapThreshold > 0 && v.Width() > s.cfg.GapThreshold {
		logger.WarnCF("gateway", "Sequence gap above threshold, resuming", map[string]any{
			"from": v.From,
			"to":   v.To,
		})
		if s.onGap != nil {
			s.onGap(v)
		}
		return connResult{err: fmt.Errorf("%w: missing %d..%d", ErrGapExceeded, v.From, v.To)}, true
	}

	v := s.tracker.Accept(sig.SN)
	switch v.Kind {
	case Duplicate:
		logger.DebugCF("gateway", "Duplicate event dropped", map[string]any{
			"sn":      sig.SN,
			"last_sn": s.tracker.Last(),
		})
		if s.onDuplicate != nil {
			s.onDuplicate(sig.SN)
		}
		return connResult{}, false
	case Gap:
		logger.WarnCF("gateway", "Sequence gap", map[string]any{
			"from": v.From,
			"to":   v.To,
		})
		if s.onGap != nil {
			s.onGap(v)
		}
	}

	s.mu.Lock()
	s.snap.LastSN = s.tracker.Last()
	s.mu.Unlock()

	if sig.Event == nil {
		return connResult{}, false
	}
	if s.sink == nil || !s.sink.Publish(sig.Event) {
		logger.WarnCF("gateway", "Event sink closed, event dropped", map[string]any{"sn": sig.SN})
	}
	return connResult{}, false
}

// heartbeat only writes. It notifies the session goroutine before each ping
// so pong accounting happens on one goroutine.
func (s *Session) heartbeat(ctx context.Context, conn Conn, interval time.Duration, beats chan<- struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		select {
		case beats <- struct{}{}:
		case <-ctx.Done():
			return
		}
		if err := s.send(conn, Ping{SN: s.LastSN()}); err != nil {
			logger.DebugCF("gateway", "Ping write failed", map[string]any{"error": err.Error()})
		}
	}
}

func (s *Session) send(conn Conn, sig Signal) error {
	f, err := s.codec.Encode(sig, false)
	if err != nil {
		return err
	}
	return conn.WriteFrame(f)
}

func readLoop(ctx context.Context, conn Conn, out chan<- readResult) {
	for {
		f, err := conn.ReadFrame()
		select {
		case out <- readResult{frame: f, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
