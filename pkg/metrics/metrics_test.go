package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kookgo/kookgo/pkg/dispatch"
	"github.com/kookgo/kookgo/pkg/event"
	"github.com/kookgo/kookgo/pkg/gateway"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(WithRegistry(reg), WithNamespace("test")), reg
}

func TestCollector_ProcessorCountsEvents(t *testing.T) {
	c, _ := newTestCollector(t)
	p := c.Processor()

	require.NoError(t, p(context.Background(), &event.Event{Type: event.TypeText, ChannelType: event.ChannelGroup}))
	require.NoError(t, p(context.Background(), &event.Event{Type: event.TypeText, ChannelType: event.ChannelGroup}))
	require.NoError(t, p(context.Background(), &event.Event{Type: event.TypeSystem, ChannelType: event.ChannelPerson, Unknown: true}))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("text", "GROUP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("system", "PERSON")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unknownEvents))
}

func TestCollector_StateAndSequence(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveState(gateway.StateIdle, gateway.StateConnecting)
	c.ObserveState(gateway.StateConnecting, gateway.StateAwaitingHello)
	c.ObserveState(gateway.StateAwaitingHello, gateway.StateActive)
	c.ObserveState(gateway.StateActive, gateway.StateReconnecting)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.state.WithLabelValues("reconnecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.state.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("active", "reconnecting")))

	c.ObserveDuplicate(4)
	c.ObserveGap(gateway.Verdict{Kind: gateway.Gap, From: 5, To: 7})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.duplicates))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gaps))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.missedEvents))
}

func TestCollector_HandlerErrors(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveHandlerError(&dispatch.HandlerError{Processor: "p", Kind: dispatch.Normal, Err: errors.New("x")})
	c.ObserveHandlerError(&dispatch.HandlerError{Processor: "p", Kind: dispatch.Normal, Panic: "boom"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.handlerErrors.WithLabelValues("p", "normal", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.handlerErrors.WithLabelValues("p", "normal", "true")))
}

func TestHandler_ServesRegistry(t *testing.T) {
	c, reg := newTestCollector(t)
	depth := 3
	c.WatchQueue(func() int { return depth })

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	expected := `
# HELP test_dispatch_queue_depth Events waiting for the dispatcher
# TYPE test_dispatch_queue_depth gauge
test_dispatch_queue_depth 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_dispatch_queue_depth"))
}
