package brokertest_test

import (
	"context"
	"testing"
	"time"

	"github.com/eliseuvideira/pkgscraper/internal/broker"
	"github.com/eliseuvideira/pkgscraper/internal/broker/brokertest"
	"github.com/eliseuvideira/pkgscraper/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestPublishConsume_RoutesByRegistry(t *testing.T) {
	b := brokertest.New(3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, broker.Message{JobID: uuid.New(), Registry: models.RegistryCratesIO, PackageName: "tokio"}))
	require.NoError(t, b.Publish(ctx, broker.Message{JobID: uuid.New(), Registry: models.RegistryJSR, PackageName: "@std/path"}))

	ch, err := b.Consume(ctx, []models.Registry{models.RegistryJSR})
	require.NoError(t, err)

	msg, err := broker.Decode(receive(t, ch).Body())
	require.NoError(t, err)
	assert.Equal(t, "@std/path", msg.PackageName)
	assert.Equal(t, 1, b.Pending(models.RegistryCratesIO))
	assert.Len(t, b.Published(), 2)
}

func TestNack_RequeueUntilDeliveryLimit(t *testing.T) {
	b := brokertest.New(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, broker.Message{JobID: uuid.New(), Registry: models.RegistryCratesIO, PackageName: "tokio"}))
	ch, err := b.Consume(ctx, []models.Registry{models.RegistryCratesIO})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		d := receive(t, ch)
		assert.Equal(t, attempt, d.Attempt())
		require.NoError(t, d.Nack(true))
	}

	assert.Len(t, b.DeadLettered(), 1)
	assert.Equal(t, 0, b.Pending(models.RegistryCratesIO))
}

func TestNack_WithoutRequeueDeadLetters(t *testing.T) {
	b := brokertest.New(5)
	b.Enqueue(models.RegistryJSR, []byte(`garbage`))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx, []models.Registry{models.RegistryJSR})
	require.NoError(t, err)

	d := receive(t, ch)
	require.NoError(t, d.Nack(false))
	assert.Equal(t, [][]byte{[]byte(`garbage`)}, b.DeadLettered())
}

func TestConsume_ClosesOnCancel(t *testing.T) {
	b := brokertest.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Consume(ctx, models.Registries)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestStandaloneDelivery(t *testing.T) {
	d := brokertest.NewDelivery(broker.Message{JobID: uuid.New(), Registry: models.RegistryCratesIO, PackageName: "serde"}, 2)
	assert.Equal(t, 2, d.Attempt())

	require.NoError(t, d.Nack(true))
	assert.True(t, d.Requeued())
	assert.False(t, d.Rejected())
	assert.False(t, d.Acked())
}
