package invalidation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hylla/fieldsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan domain.InvalidationEvent) domain.InvalidationEvent {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return domain.InvalidationEvent{}
	}
}

func TestBus_DeliversInOrderToSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(domain.EventFilter{EntityTypes: []domain.EntityType{domain.EntityRoom}})
	defer cancel()

	// Publish far more than any channel buffer before reading anything.
	const n = 500
	for i := 1; i <= n; i++ {
		bus.Publish(domain.InvalidationEvent{Seq: int64(i), Kind: domain.EventChanged, EntityType: domain.EntityRoom, LocalID: fmt.Sprintf("room-%d", i)})
		bus.Publish(domain.InvalidationEvent{Seq: int64(i), Kind: domain.EventChanged, EntityType: domain.EntityPoint})
	}
	for i := 1; i <= n; i++ {
		evt := receive(t, ch)
		require.Equal(t, int64(i), evt.Seq)
		require.Equal(t, domain.EntityRoom, evt.EntityType)
		assert.False(t, evt.At.IsZero(), "publish stamps a time")
	}
}

func TestBus_FiltersAndFansOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all, cancelAll := bus.Subscribe(domain.EventFilter{})
	defer cancelAll()
	service, cancelService := bus.Subscribe(domain.EventFilter{ServiceLocalID: "svc-1", Kinds: []domain.EventKind{domain.EventReconciled}})
	defer cancelService()
	require.Equal(t, 2, bus.Subscribers())

	bus.Publish(domain.InvalidationEvent{Kind: domain.EventChanged, EntityType: domain.EntityRoom, ServiceLocalID: "svc-1"})
	bus.Publish(domain.InvalidationEvent{Kind: domain.EventReconciled, EntityType: domain.EntityRoom, ServiceLocalID: "svc-2", ServerID: "9"})
	bus.Publish(domain.InvalidationEvent{Kind: domain.EventReconciled, EntityType: domain.EntityRoom, ServiceLocalID: "svc-1", ServerID: "10"})

	assert.Equal(t, domain.EventChanged, receive(t, all).Kind)
	assert.Equal(t, "9", receive(t, all).ServerID)
	assert.Equal(t, "10", receive(t, all).ServerID)
	assert.Equal(t, "10", receive(t, service).ServerID)
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(domain.EventFilter{})
	cancel()
	assert.NotPanics(t, cancel)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Equal(t, 0, bus.Subscribers())

	bus.Close()
	late, lateCancel := bus.Subscribe(domain.EventFilter{})
	defer lateCancel()
	_, ok := <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
	assert.NotPanics(t, func() { bus.Publish(domain.InvalidationEvent{Kind: domain.EventChanged}) })
}

func TestBus_SinksSeeOnlyLocalEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var (
		mu   sync.Mutex
		seen []string
	)
	bus.Attach(func(evt domain.InvalidationEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.LocalID)
	})
	ch, cancel := bus.Subscribe(domain.EventFilter{})
	defer cancel()

	bus.Publish(domain.InvalidationEvent{Kind: domain.EventChanged, LocalID: "local"})
	bus.Inject(domain.InvalidationEvent{Kind: domain.EventChanged, LocalID: "remote"})

	assert.Equal(t, "local", receive(t, ch).LocalID)
	assert.Equal(t, "remote", receive(t, ch).LocalID)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"local"}, seen)
}
