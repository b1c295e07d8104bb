// Package bot assembles a gateway session, an event queue and a dispatcher
// into one object an application starts and stops.
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/kookgo/kookgo/pkg/api"
	"github.com/kookgo/kookgo/pkg/auth"
	"github.com/kookgo/kookgo/pkg/bus"
	"github.com/kookgo/kookgo/pkg/config"
	"github.com/kookgo/kookgo/pkg/dispatch"
	"github.com/kookgo/kookgo/pkg/event"
	"github.com/kookgo/kookgo/pkg/gateway"
	"github.com/kookgo/kookgo/pkg/logger"
	"github.com/kookgo/kookgo/pkg/metrics"
	"github.com/kookgo/kookgo/pkg/redaction"
)

var ErrAlreadyStarted = errors.New("bot: already started")

type options struct {
	dialer      gateway.Dialer
	resolver    gateway.Resolver
	registry    *event.Registry
	collector   *metrics.Collector
	tracer      trace.Tracer
	httpClient  *http.Client
	onState     []func(from, to gateway.State)
	onTerminate []func(error)
}

type Option func(*options)

// WithDialer replaces the websocket dialer.
func WithDialer(d gateway.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithResolver replaces the REST gateway lookup.
func WithResolver(r gateway.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

func WithRegistry(reg *event.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithMetrics registers c's counting pre-processor and feeds it session
// state, sequence anomalies, processor failures and queue depth. A
// Collector can back only one Bot.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithHTTPClient is used for REST calls. Its transport gets the bot's
// Authorization header.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// OnStateChange is called for every session transition, on the session
// goroutine.
func OnStateChange(fn func(from, to gateway.State)) Option {
	return func(o *options) { o.onState = append(o.onState, fn) }
}

// OnTerminate is called once with the session's terminal error (nil when
// stopped) after queued events have been dispatched.
func OnTerminate(fn func(err error)) Option {
	return func(o *options) { o.onTerminate = append(o.onTerminate, fn) }
}

type Bot struct {
	ticket     auth.Ticket
	client     *api.Client
	queue      *bus.EventBus
	dispatcher *dispatch.Dispatcher
	session    *gateway.Session

	onTerminate []func(error)

	started atomic.Bool
	stopped sync.Once
	done    chan struct{}
	err     error
}

// New validates cfg and wires the bot. Nothing connects until Start.
func New(cfg *config.Config, opts ...Option) (*Bot, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bot: invalid config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	tokenType, err := auth.ParseTokenType(cfg.Bot.TokenType)
	if err != nil {
		return nil, err
	}
	ticket, err := auth.NewTicket(cfg.Bot.ClientID, cfg.Bot.Token, tokenType)
	if err != nil {
		return nil, err
	}
	redaction.AddSecret(ticket.Token())

	apiOpts := []api.Option{api.WithRateLimit(cfg.API.RateLimit, cfg.API.Burst)}
	if o.httpClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(o.httpClient))
	} else {
		apiOpts = append(apiOpts, api.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout.Std()}))
	}
	client := api.NewClient(cfg.API.BaseURL, ticket, apiOpts...)

	resolver := o.resolver
	if resolver == nil {
		resolver = gateway.NewHTTPResolver(client)
	}

	queue := bus.NewEventBus(bus.WithHighWater(cfg.Dispatch.QueueHighWater))

	var dispatchOpts []dispatch.Option
	if o.tracer != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithTracer(o.tracer))
	}
	if o.collector != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithErrorHandler(o.collector.ObserveHandlerError))
	}
	dispatcher := dispatch.New(dispatchOpts...)

	var sessionOpts []gateway.Option
	if o.registry != nil {
		sessionOpts = append(sessionOpts, gateway.WithRegistry(o.registry))
	}
	if c := o.collector; c != nil {
		if _, err := dispatcher.AddProcessor(dispatch.Pre, "metrics", c.Processor()); err != nil {
			return nil, err
		}
		c.WatchQueue(queue.Len)
		sessionOpts = append(sessionOpts,
			gateway.WithStateHandler(c.ObserveState),
			gateway.WithDuplicateHandler(c.ObserveDuplicate),
			gateway.WithGapHandler(c.ObserveGap),
		)
	}
	for _, fn := range o.onState {
		sessionOpts = append(sessionOpts, gateway.WithStateHandler(fn))
	}

	session := gateway.NewSession(sessionConfig(cfg), resolver, o.dialer, queue, sessionOpts...)

	return &Bot{
		ticket:      ticket,
		client:      client,
		queue:       queue,
		dispatcher:  dispatcher,
		session:     session,
		onTerminate: o.onTerminate,
		done:        make(chan struct{}),
	}, nil
}

func sessionConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		Compress:          cfg.Gateway.Compress,
		HelloTimeout:      cfg.Gateway.HelloTimeout.Std(),
		ResumeTimeout:     cfg.Gateway.ResumeTimeout.Std(),
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval.Std(),
		MissedPongLimit:   cfg.Gateway.MissedPongLimit,
		GapThreshold:      cfg.Gateway.GapThreshold,
		MaxAttempts:       cfg.Reconnect.MaxAttempts,
		Backoff: gateway.Backoff{
			Base:       cfg.Reconnect.BaseDelay.Std(),
			Max:        cfg.Reconnect.MaxDelay.Std(),
			Multiplier: cfg.Reconnect.Multiplier,
			Jitter:     cfg.Reconnect.Jitter,
		},
	}
}

// AddProcessor registers fn and returns the name it was stored under.
// Processors may be added and removed while the bot runs.
func (b *Bot) AddProcessor(kind dispatch.Kind, name string, fn dispatch.Processor) (string, error) {
	return b.dispatcher.AddProcessor(kind, name, fn)
}

func (b *Bot) RemoveProcessor(name string) bool {
	return b.dispatcher.RemoveProcessor(name)
}

// Start connects in the background and returns immediately. Cancelling ctx
// stops the bot like Stop does.
func (b *Bot) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	logger.InfoCF("bot", "Starting", map[string]any{
		"client_id": b.ticket.ClientID(),
		"api":       b.client.BaseURL(),
	})

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		// Events already queued are still delivered after ctx is cancelled.
		b.dispatcher.Run(context.WithoutCancel(ctx), b.queue)
	}()

	go func() {
		err := b.session.Run(ctx)
		b.queue.Close()
		<-dispatched
		b.finish(err)
	}()
	return nil
}

func (b *Bot) finish(err error) {
	b.stopped.Do(func() {
		b.err = err
		for _, fn := range b.onTerminate {
			fn(err)
		}
		stats := b.dispatcher.Stats()
		logger.InfoCF("bot", "Stopped", map[string]any{
			"dispatched": stats.Dispatched,
			"failed":     stats.Failed,
		})
		close(b.done)
	})
}

// Stop terminates the session and waits for queued events to be
// dispatched. It is safe to call more than once.
func (b *Bot) Stop() {
	b.session.Stop()
	if !b.started.CompareAndSwap(false, true) {
		<-b.done
		return
	}
	// Never started.
	b.queue.Close()
	b.finish(nil)
}

// Wait blocks until the bot has terminated and returns Err.
func (b *Bot) Wait() error {
	<-b.done
	return b.err
}

func (b *Bot) Done() <-chan struct{} { return b.done }

// Err is ErrCredentialRejected or ErrConnectExhausted (from pkg/gateway)
// after a fatal termination, nil otherwise.
func (b *Bot) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

func (b *Bot) State() gateway.State { return b.session.State() }

func (b *Bot) SessionID() string { return b.session.SessionID() }

func (b *Bot) LastSN() int64 { return b.session.LastSN() }

// API is the authenticated REST client the gateway is resolved with.
func (b *Bot) API() *api.Client { return b.client }

func (b *Bot) DispatchStats() dispatch.Stats { return b.dispatcher.Stats() }
