// Package dispatch runs registered processors for every accepted event:
// pre-processors first, then normal processors, each class in insertion
// order. Dispatch is serialized across events so processors observe events
// in sn order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kookgo/kookgo/pkg/event"
	"github.com/kookgo/kookgo/pkg/logger"
	"github.com/kookgo/kookgo/pkg/tracing"
)

type Kind int

const (
	Pre Kind = iota
	Normal
)

func (k Kind) String() string {
	switch k {
	case Pre:
		return "pre"
	case Normal:
		return "normal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts "pre" and "normal".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "pre":
		return Pre, nil
	case "normal", "":
		return Normal, nil
	default:
		return Normal, fmt.Errorf("dispatch: unknown processor kind %q", s)
	}
}

// Processor handles one event. The event is shared with every other
// processor and must not be modified.
type Processor func(ctx context.Context, ev *event.Event) error

type Registration struct {
	Kind      Kind
	Name      string
	Processor Processor
}

var (
	ErrDuplicateName = errors.New("dispatch: processor name already registered")
	ErrNilProcessor  = errors.New("dispatch: nil processor")
)

// HandlerError describes one failed processor invocation. It is reported
// to error handlers and logs, never returned to the transport.
type HandlerError struct {
	Processor string
	Kind      Kind
	SN        int64
	Err       error
	// Panic holds the recovered value when the processor panicked.
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("dispatch: %s processor %q panicked on sn %d: %v", e.Kind, e.Processor, e.SN, e.Panic)
	}
	return fmt.Sprintf("dispatch: %s processor %q failed on sn %d: %v", e.Kind, e.Processor, e.SN, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Source yields events in order; bus.EventBus implements it.
type Source interface {
	Consume(ctx context.Context) (*event.Event, bool)
}

type Stats struct {
	Dispatched uint64
	Failed     uint64
}

type Option func(*Dispatcher)

// WithTracer sets the tracer for per-event spans. The default uses the
// global provider.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// WithErrorHandler registers fn for every processor failure. It runs on the
// dispatch goroutine.
func WithErrorHandler(fn func(*HandlerError)) Option {
	return func(d *Dispatcher) {
		d.onError = append(d.onError, fn)
	}
}

type Dispatcher struct {
	mu     sync.RWMutex
	pre    []Registration
	normal []Registration
	seq    int

	tracer  trace.Tracer
	onError []func(*HandlerError)

	dispatchMu sync.Mutex
	dispatched atomic.Uint64
	failed     atomic.Uint64
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = tracing.Tracer(tracing.InstrumentationName + "/dispatch")
	}
	return d
}

// AddProcessor appends fn to the kind's sequence. An empty name gets a
// generated one, which is returned.
func (d *Dispatcher) AddProcessor(kind Kind, name string, fn Processor) (string, error) {
	if fn == nil {
		return "", ErrNilProcessor
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	if name == "" {
		name = fmt.Sprintf("%s-%d", kind, d.seq)
	}
	if d.hasLocked(name) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	reg := Registration{Kind: kind, Name: name, Processor: fn}
	// Copy on write so an in-flight dispatch keeps its snapshot.
	if kind == Pre {
		d.pre = appendCopy(d.pre, reg)
	} else {
		reg.Kind = Normal
		d.normal = appendCopy(d.normal, reg)
	}
	return name, nil
}

// RemoveProcessor deletes the named processor. It reports whether one was
// found.
func (d *Dispatcher) RemoveProcessor(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ok bool
	if d.pre, ok = removeCopy(d.pre, name); ok {
		return true
	}
	d.normal, ok = removeCopy(d.normal, name)
	return ok
}

// Processors lists registrations in dispatch order.
func (d *Dispatcher) Processors() []Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Registration, 0, len(d.pre)+len(d.normal))
	out = append(out, d.pre...)
	return append(out, d.normal...)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Dispatched: d.dispatched.Load(), Failed: d.failed.Load()}
}

func (d *Dispatcher) hasLocked(name string) bool {
	for _, r := range d.pre {
		if r.Name == name {
			return true
		}
	}
	for _, r := range d.normal {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Dispatch runs every processor for ev and returns the failures. Failures
// never stop later processors.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event) []*HandlerError {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	d.mu.RLock()
	pre, normal := d.pre, d.normal
	d.mu.RUnlock()

	ctx, span := tracing.StartSpan(ctx, d.tracer, "kookgo.dispatch",
		tracing.Int64Attr("kook.sn", ev.SN),
		tracing.StringAttr("kook.event_key", ev.Key.String()),
		tracing.StringAttr("kook.msg_id", ev.MsgID),
	)
	defer span.End()

	dispatchID := uuid.NewString()
	var failures []*HandlerError
	for _, seq := range [][]Registration{pre, normal} {
		for _, reg := range seq {
			if herr := d.invoke(ctx, reg, ev); herr != nil {
				failures = append(failures, herr)
				d.report(dispatchID, ev, herr)
			}
		}
	}

	d.dispatched.Add(1)
	if len(failures) > 0 {
		span.SetAttributes(tracing.IntAttr("kook.failed_processors", len(failures)))
		tracing.RecordError(span, failures[0])
	}
	return failures
}

func (d *Dispatcher) invoke(ctx context.Context, reg Registration, ev *event.Event) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			herr = &HandlerError{Processor: reg.Name, Kind: reg.Kind, SN: ev.SN, Panic: r}
		}
	}()
	if err := reg.Processor(ctx, ev); err != nil {
		return &HandlerError{Processor: reg.Name, Kind: reg.Kind, SN: ev.SN, Err: err}
	}
	return nil
}

func (d *Dispatcher) report(dispatchID string, ev *event.Event, herr *HandlerError) {
	d.failed.Add(1)
	fields := map[string]any{
		"dispatch_id": dispatchID,
		"processor":   herr.Processor,
		"kind":        herr.Kind.String(),
		"sn":          herr.SN,
		"raw":         string(ev.Raw),
	}
	if herr.Panic != nil {
		fields["panic"] = fmt.Sprintf("%v", herr.Panic)
		logger.ErrorCF("dispatch", "Processor panic", fields)
	} else {
		fields["error"] = herr.Err.Error()
		logger.WarnCF("dispatch", "Processor error", fields)
	}
	for _, fn := range d.onError {
		fn(herr)
	}
}

// Run dispatches events from src until it is drained or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, src Source) {
	for {
		ev, ok := src.Consume(ctx)
		if !ok {
			return
		}
		d.Dispatch(ctx, ev)
	}
}

func appendCopy(s []Registration, r Registration) []Registration {
	out := make([]Registration, len(s), len(s)+1)
	copy(out, s)
	return append(out, r)
}

func removeCopy(s []Registration, name string) ([]Registration, bool) {
	for i, r := range s {
		if r.Name == name {
			out := make([]Registration, 0, len(s)-1)
			out = append(out, s[:i]...)
			return append(out, s[i+1:]...), true
		}
	}
	return s, false
}
