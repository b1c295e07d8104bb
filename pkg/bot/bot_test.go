package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kookgo/kookgo/pkg/config"
	"github.com/kookgo/kookgo/pkg/dispatch"
	"github.com/kookgo/kookgo/pkg/event"
	"github.com/kookgo/kookgo/pkg/gateway"
	"github.com/kookgo/kookgo/pkg/metrics"
)

// pipeConn is a text-frame transport driven by the test.
type pipeConn struct {
	in        chan gateway.Frame
	out       chan gateway.Frame
	closed    chan struct{}
	closeOnce sync.Once
	inOnce    sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan gateway.Frame, 64),
		out:    make(chan gateway.Frame, 64),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadFrame() (gateway.Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return gateway.Frame{}, &gateway.CloseError{Code: 1000, Reason: "bye"}
		}
		return f, nil
	case <-c.closed:
		return gateway.Frame{}, gateway.ErrTransportClosed
	}
}

func (c *pipeConn) WriteFrame(f gateway.Frame) error {
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return gateway.ErrTransportClosed
	}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) send(s string) {
	c.in <- gateway.Frame{Data: []byte(s)}
}

func (c *pipeConn) hangUp() {
	c.inOnce.Do(func() { close(c.in) })
}

type pipeDialer struct {
	mu     sync.Mutex
	urls   []string
	dialed chan *pipeConn
}

func (d *pipeDialer) Dial(ctx context.Context, url string) (gateway.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	c := newPipeConn()
	d.dialed <- c
	return c, nil
}

func (d *pipeDialer) urlCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *pipeDialer) next(t *testing.T) *pipeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func newGatewayIndex(t *testing.T, status int) (*httptest.Server, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"code":401,"message":"unauthorized","data":{}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":0,"message":"","data":{"url":"wss://gateway.test/ws"}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &auths
}

func testBotConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Bot.Token = "bot-token-123456"
	cfg.API.BaseURL = baseURL
	cfg.Gateway.Compress = false
	cfg.Gateway.HelloTimeout = config.Duration(time.Second)
	cfg.Gateway.HeartbeatInterval = config.Duration(time.Hour)
	cfg.Reconnect.BaseDelay = config.Duration(5 * time.Millisecond)
	cfg.Reconnect.MaxDelay = config.Duration(20 * time.Millisecond)
	cfg.Reconnect.MaxAttempts = 3
	return cfg
}

func textFrame(sn int64) string {
	return fmt.Sprintf(`{"s":0,"sn":%d,"d":{"channel_type":"GROUP","type":1,"target_id":"chan","author_id":"user","content":"msg %d","msg_id":"m-%d","msg_timestamp":1700000000000,"extra":{"type":1,"guild_id":"g"}}}`, sn, sn, sn)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(config.DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot.token")
}

func TestBot_DeliversEventsThroughProcessors(t *testing.T) {
	srv, auths := newGatewayIndex(t, http.StatusOK)
	dialer := &pipeDialer{dialed: make(chan *pipeConn, 4)}
	reg := prometheus.NewRegistry()
	collector := metrics.New(metrics.WithRegistry(reg))

	var terminated []error
	b, err := New(testBotConfig(srv.URL),
		WithDialer(dialer),
		WithMetrics(collector),
		OnTerminate(func(err error) { terminated = append(terminated, err) }),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(tag string) dispatch.Processor {
		return func(ctx context.Context, ev *event.Event) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, fmt.Sprintf("%s:%d", tag, ev.SN))
			return nil
		}
	}
	_, err = b.AddProcessor(dispatch.Normal, "business", record("normal"))
	require.NoError(t, err)
	_, err = b.AddProcessor(dispatch.Pre, "audit", record("pre"))
	require.NoError(t, err)
	_, err = b.AddProcessor(dispatch.Normal, "broken", func(ctx context.Context, ev *event.Event) error {
		return errors.New("nope")
	})
	require.NoError(t, err)

	require.NoError(t, b.Start(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)

	conn := dialer.next(t)
	conn.send(`{"s":1,"d":{"code":0,"session_id":"sess-1"}}`)
	require.Eventually(t, func() bool { return b.State() == gateway.StateActive }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "sess-1", b.SessionID())

	conn.send(textFrame(1))
	conn.send(textFrame(2))
	conn.send(textFrame(2))
	require.Eventually(t, func() bool { return b.DispatchStats().Dispatched == 2 }, 2*time.Second, 5*time.Millisecond)

	b.Stop()
	b.Stop()
	require.NoError(t, b.Wait())
	assert.Equal(t, gateway.StateTerminated, b.State())
	assert.Equal(t, int64(2), b.LastSN())

	mu.Lock()
	assert.Equal(t, []string{"pre:1", "normal:1", "pre:2", "normal:2"}, order)
	mu.Unlock()
	assert.Equal(t, dispatch.Stats{Dispatched: 2, Failed: 2}, b.DispatchStats())
	assert.Equal(t, []error{nil}, terminated)
	assert.Equal(t, "Bot bot-token-123456", (*auths)[0])
}

// answerPings replies to every client ping on conn until the test ends and
// reports how many it answered.
func answerPings(t *testing.T, conn *pipeConn) *atomic.Int64 {
	t.Helper()
	var answered atomic.Int64
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case f := <-conn.out:
				var head struct {
					S int `json:"s"`
				}
				if json.Unmarshal(f.Data, &head) == nil && head.S == 2 {
					select {
					case conn.in <- gateway.Frame{Data: []byte(`{"s":3}`)}:
						answered.Add(1)
					case <-done:
						return
					}
				}
			case <-done:
				return
			case <-conn.closed:
				return
			}
		}
	}()
	return &answered
}

func TestBot_BlockedProcessorDoesNotStallReadLoop(t *testing.T) {
	const total = 200
	srv, _ := newGatewayIndex(t, http.StatusOK)
	dialer := &pipeDialer{dialed: make(chan *pipeConn, 4)}
	cfg := testBotConfig(srv.URL)
	cfg.Gateway.HeartbeatInterval = config.Duration(10 * time.Millisecond)
	cfg.Dispatch.QueueHighWater = 10

	b, err := New(cfg, WithDialer(dialer))
	require.NoError(t, err)

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []int64
	_, err = b.AddProcessor(dispatch.Normal, "slow", func(ctx context.Context, ev *event.Event) error {
		<-release
		mu.Lock()
		seen = append(seen, ev.SN)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	conn := dialer.next(t)
	answered := answerPings(t, conn)
	conn.send(`{"s":1,"d":{"code":0,"session_id":"sess-1"}}`)
	require.Eventually(t, func() bool { return b.State() == gateway.StateActive }, 2*time.Second, 5*time.Millisecond)

	for sn := int64(1); sn <= total; sn++ {
		conn.send(textFrame(sn))
	}

	// Every frame is read and sequenced while the processor holds the first one.
	require.Eventually(t, func() bool { return b.LastSN() == total }, 2*time.Second, 5*time.Millisecond)
	start := answered.Load()
	require.Eventually(t, func() bool { return answered.Load() >= start+5 }, 2*time.Second, 5*time.Millisecond,
		"heartbeat must keep running while dispatch is blocked")
	assert.Equal(t, gateway.StateActive, b.State())
	assert.Equal(t, uint64(0), b.DispatchStats().Dispatched)
	assert.Equal(t, 1, dialer.urlCount())

	close(release)
	require.Eventually(t, func() bool { return b.DispatchStats().Dispatched == total }, 2*time.Second, 5*time.Millisecond)

	b.Stop()
	require.NoError(t, b.Wait())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, total)
	for i, sn := range seen {
		assert.Equal(t, int64(i+1), sn)
	}
}

func TestBot_CredentialRejectionTerminates(t *testing.T) {
	srv, _ := newGatewayIndex(t, http.StatusUnauthorized)
	dialer := &pipeDialer{dialed: make(chan *pipeConn, 4)}

	b, err := New(testBotConfig(srv.URL), WithDialer(dialer))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not terminate")
	}
	assert.ErrorIs(t, b.Err(), gateway.ErrCredentialRejected)
	assert.Empty(t, dialer.dialed)
}

func TestBot_ReconnectsAfterServerClose(t *testing.T) {
	srv, _ := newGatewayIndex(t, http.StatusOK)
	dialer := &pipeDialer{dialed: make(chan *pipeConn, 4)}

	var mu sync.Mutex
	var states []gateway.State
	b, err := New(testBotConfig(srv.URL), WithDialer(dialer), OnStateChange(func(from, to gateway.State) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	}))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	first := dialer.next(t)
	first.send(`{"s":1,"d":{"code":0,"session_id":"sess-1"}}`)
	first.send(textFrame(1))
	require.Eventually(t, func() bool { return b.LastSN() == 1 }, 2*time.Second, 5*time.Millisecond)
	first.hangUp()

	second := dialer.next(t)
	// The second connection resumes: the client speaks first.
	select {
	case f := <-second.out:
		assert.JSONEq(t, `{"s":4,"sn":1}`, string(f.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no resume frame")
	}
	second.send(`{"s":6,"d":{"session_id":"sess-1"}}`)
	require.Eventually(t, func() bool { return b.State() == gateway.StateActive }, 2*time.Second, 5*time.Millisecond)

	b.Stop()
	require.NoError(t, b.Wait())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, gateway.StateReconnecting)
	assert.Contains(t, states, gateway.StateResuming)
}

func TestBot_StopBeforeStart(t *testing.T) {
	srv, _ := newGatewayIndex(t, http.StatusOK)
	b, err := New(testBotConfig(srv.URL), WithDialer(&pipeDialer{dialed: make(chan *pipeConn, 1)}))
	require.NoError(t, err)

	b.Stop()
	require.NoError(t, b.Wait())
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)
}

func TestBot_ContextCancelStops(t *testing.T) {
	srv, _ := newGatewayIndex(t, http.StatusOK)
	dialer := &pipeDialer{dialed: make(chan *pipeConn, 4)}
	b, err := New(testBotConfig(srv.URL), WithDialer(dialer))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	dialer.next(t)
	cancel()

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not stop on cancel")
	}
	assert.NoError(t, b.Err())
}
