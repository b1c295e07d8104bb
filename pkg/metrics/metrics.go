// Package metrics exports Prometheus collectors for the gateway session and
// the dispatcher.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kookgo/kookgo/pkg/dispatch"
	"github.com/kookgo/kookgo/pkg/event"
	"github.com/kookgo/kookgo/pkg/gateway"
)

type Config struct {
	// Namespace is the metrics namespace (default: "kookgo").
	Namespace string
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

var allStates = []gateway.State{
	gateway.StateIdle,
	gateway.StateConnecting,
	gateway.StateAwaitingHello,
	gateway.StateActive,
	gateway.StateReconnecting,
	gateway.StateResuming,
	gateway.StateTerminated,
}

// Collector owns the SDK's metrics.
type Collector struct {
	factory   promauto.Factory
	namespace string

	events        *prometheus.CounterVec
	unknownEvents prometheus.Counter
	duplicates    prometheus.Counter
	gaps          prometheus.Counter
	missedEvents  prometheus.Counter
	transitions   *prometheus.CounterVec
	state         *prometheus.GaugeVec
	reconnects    prometheus.Counter
	handlerErrors *prometheus.CounterVec
}

func New(opts ...Option) *Collector {
	cfg := Config{Namespace: "kookgo", Registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)
	ns := cfg.Namespace

	c := &Collector{
		factory:   factory,
		namespace: ns,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Events handed to processors, by message type and channel type",
		}, []string{"type", "channel_type"}),
		unknownEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "dispatch",
			Name:      "unknown_events_total",
			Help:      "Events whose extra body had no registered decoder",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "gateway",
			Name:      "duplicate_events_total",
			Help:      "Events dropped because their sn was already accepted",
		}),
		gaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "gateway",
			Name:      "sequence_gaps_total",
			Help:      "Sequence gaps observed",
		}),
		missedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "gateway",
			Name:      "sequence_gap_events_total",
			Help:      "Sequence numbers skipped across all gaps",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "gateway",
			Name:      "state_transitions_total",
			Help:      "Session state transitions",
		}, []string{"from", "to"}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "gateway",
			Name:      "state",
			Help:      "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Connections lost and retried",
		}),
		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "dispatch",
			Name:      "processor_errors_total",
			Help:      "Processor failures, including recovered panics",
		}, []string{"processor", "kind", "panic"}),
	}
	for _, s := range allStates {
		c.state.WithLabelValues(s.String()).Set(0)
	}
	c.state.WithLabelValues(gateway.StateIdle.String()).Set(1)
	return c
}

// Processor counts every event. Register it as a pre-processor so it runs
// before user processors.
func (c *Collector) Processor() dispatch.Processor {
	return func(ctx context.Context, ev *event.Event) error {
		c.events.WithLabelValues(ev.Type.String(), ev.ChannelType).Inc()
		if ev.Unknown {
			c.unknownEvents.Inc()
		}
		return nil
	}
}

func (c *Collector) ObserveState(from, to gateway.State) {
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
	c.state.WithLabelValues(from.String()).Set(0)
	c.state.WithLabelValues(to.String()).Set(1)
	if to == gateway.StateReconnecting {
		c.reconnects.Inc()
	}
}

func (c *Collector) ObserveDuplicate(int64) {
	c.duplicates.Inc()
}

func (c *Collector) ObserveGap(v gateway.Verdict) {
	c.gaps.Inc()
	c.missedEvents.Add(float64(v.Width()))
}

func (c *Collector) ObserveHandlerError(herr *dispatch.HandlerError) {
	panicked := "false"
	if herr.Panic != nil {
		panicked = "true"
	}
	c.handlerErrors.WithLabelValues(herr.Processor, herr.Kind.String(), panicked).Inc()
}

// WatchQueue exports depth() as the dispatch backlog gauge.
func (c *Collector) WatchQueue(depth func() int) {
	c.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Events waiting for the dispatcher",
	}, func() float64 { return float64(depth()) })
}

// Handler serves the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
