package feed

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbook/backend/internal/domain"
)

type publisherStub struct {
	published atomic.Int32
}

func (p *publisherStub) Publish(_ context.Context, _ string) error {
	p.published.Add(1)
	return nil
}

func countingLoader(version *atomic.Int32) Loader {
	return func(_ context.Context, collection string) (domain.Snapshot, error) {
		n := int(version.Load())
		items := make([]domain.StockItem, n)
		return domain.Snapshot{Collection: collection, Stock: items, At: time.Now().UTC()}, nil
	}
}

func TestSubscribeDeliversInitialSnapshot(t *testing.T) {
	var version atomic.Int32
	version.Store(2)
	hub := NewHub(countingLoader(&version))

	got := make(chan domain.Snapshot, 4)
	cancel, err := hub.Subscribe(context.Background(), domain.CollectionStock, func(s domain.Snapshot) {
		got <- s
	})
	require.NoError(t, err)
	defer cancel()

	select {
	case snap := <-got:
		assert.Equal(t, domain.CollectionStock, snap.Collection)
		assert.Len(t, snap.Stock, 2)
	case <-time.After(time.Second):
		t.Fatal("expected initial snapshot")
	}
}

func TestNotifyDeliversFreshSnapshot(t *testing.T) {
	var version atomic.Int32
	hub := NewHub(countingLoader(&version))
	pub := &publisherStub{}
	hub.SetPublisher(pub)

	got := make(chan domain.Snapshot, 4)
	cancel, err := hub.Subscribe(context.Background(), domain.CollectionStock, func(s domain.Snapshot) {
		got <- s
	})
	require.NoError(t, err)
	defer cancel()
	<-got

	version.Store(3)
	hub.Notify(context.Background(), domain.CollectionStock)

	require.Eventually(t, func() bool {
		select {
		case snap := <-got:
			return len(snap.Stock) == 3
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), pub.published.Load())
}

func TestNotifyIgnoresOtherCollections(t *testing.T) {
	var version atomic.Int32
	hub := NewHub(countingLoader(&version))

	var calls atomic.Int32
	cancel, err := hub.Subscribe(context.Background(), domain.CollectionSales, func(domain.Snapshot) {
		calls.Add(1)
	})
	require.NoError(t, err)
	defer cancel()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	hub.NotifyLocal(domain.CollectionStock)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelStopsDelivery(t *testing.T) {
	var version atomic.Int32
	hub := NewHub(countingLoader(&version))

	var calls atomic.Int32
	cancel, err := hub.Subscribe(context.Background(), domain.CollectionStock, func(domain.Snapshot) {
		calls.Add(1)
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers(domain.CollectionStock))

	hub.NotifyLocal(domain.CollectionStock)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubscribeRejectsUnknownCollection(t *testing.T) {
	hub := NewHub(func(context.Context, string) (domain.Snapshot, error) { return domain.Snapshot{}, nil })
	_, err := hub.Subscribe(context.Background(), "itemTypes", func(domain.Snapshot) {})
	require.ErrorIs(t, err, ErrUnknownCollection)
}

type failingPublisher struct{}

func (failingPublisher) Publish(_ context.Context, _ string) error {
	return errors.New("redis: connection refused")
}

func TestRelayPublishFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	previous := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = previous })

	var version atomic.Int32
	hub := NewHub(countingLoader(&version))
	hub.SetPublisher(failingPublisher{})

	hub.Notify(context.Background(), domain.CollectionStock)

	assert.Contains(t, buf.String(), `"message":"[feed] relay publish failed"`)
	assert.Contains(t, buf.String(), `"collection":"stock"`)
}
