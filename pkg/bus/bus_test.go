package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kookgo/kookgo/pkg/event"
)

func TestEventBus_FIFO(t *testing.T) {
	b := NewEventBus()
	for sn := int64(1); sn <= 5; sn++ {
		require.True(t, b.Publish(&event.Event{SN: sn}))
	}
	assert.Equal(t, 5, b.Len())

	ctx := context.Background()
	for sn := int64(1); sn <= 5; sn++ {
		ev, ok := b.Consume(ctx)
		require.True(t, ok)
		assert.Equal(t, sn, ev.SN)
	}
	assert.Equal(t, 0, b.Len())
}

func TestEventBus_PublishNeverBlocks(t *testing.T) {
	b := NewEventBus(WithHighWater(10))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Publish(&event.Event{SN: int64(i + 1)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without a consumer")
	}
	st := b.Stats()
	assert.Equal(t, uint64(10000), st.Published)
	assert.Equal(t, 10000, st.Depth)
	assert.Equal(t, 10000, st.MaxDepth)
}

func TestEventBus_ConsumeWaitsForPublish(t *testing.T) {
	b := NewEventBus()
	got := make(chan int64, 1)
	go func() {
		ev, ok := b.Consume(context.Background())
		if ok {
			got <- ev.SN
		}
	}()

	time.Sleep(10 * time.Millisecond)
	b.Publish(&event.Event{SN: 42})

	select {
	case sn := <-got:
		assert.Equal(t, int64(42), sn)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken")
	}
}

func TestEventBus_CloseDrainsThenStops(t *testing.T) {
	b := NewEventBus()
	b.Publish(&event.Event{SN: 1})
	b.Publish(&event.Event{SN: 2})
	b.Close()
	b.Close()

	assert.False(t, b.Publish(&event.Event{SN: 3}))

	ctx := context.Background()
	ev, ok := b.Consume(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(1), ev.SN)
	ev, ok = b.Consume(ctx)
	require.True(t, ok)
	assert.Equal(t, int64(2), ev.SN)

	_, ok = b.Consume(ctx)
	assert.False(t, ok)
}

func TestEventBus_ConsumeHonoursContext(t *testing.T) {
	b := NewEventBus()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := b.Consume(ctx)
	assert.False(t, ok)
}
