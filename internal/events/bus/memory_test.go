package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, b *MemoryEventBus, subject string) *[]string {
	t.Helper()
	var seen []string
	_, err := b.Subscribe(subject, func(ctx context.Context, event *Event) error {
		seen = append(seen, event.Type)
		return nil
	})
	require.NoError(t, err)
	return &seen
}

func TestPublishLiteralSubject(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	seen := collect(t, b, "prd.started")

	require.NoError(t, b.Publish(context.Background(), "prd.started", NewEvent("prd.started", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "prd.failed", NewEvent("prd.failed", "test", nil)))

	assert.Equal(t, []string{"prd.started"}, *seen)
}

func TestSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	seen := collect(t, b, "prd.*")

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "prd.started", NewEvent("prd.started", "test", nil)))
	require.NoError(t, b.Publish(ctx, "prd.merged", NewEvent("prd.merged", "test", nil)))
	require.NoError(t, b.Publish(ctx, "runner.paused", NewEvent("runner.paused", "test", nil)))

	assert.Equal(t, []string{"prd.started", "prd.merged"}, *seen)
}

func TestFullWildcardMatchesEverything(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	seen := collect(t, b, ">")

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "prd.started", NewEvent("prd.started", "test", nil)))
	require.NoError(t, b.Publish(ctx, "merge.queued", NewEvent("merge.queued", "test", nil)))

	assert.Len(t, *seen, 2)
}

func TestWildcardMustBeLastToken(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	_, err := b.Subscribe(">.started", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	var seen []string
	sub, err := b.Subscribe("prd.*", func(ctx context.Context, event *Event) error {
		seen = append(seen, event.Type)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "prd.started", NewEvent("prd.started", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(ctx, "prd.failed", NewEvent("prd.failed", "test", nil)))

	assert.Equal(t, []string{"prd.started"}, seen)
}

func TestClosedBusRejectsTraffic(t *testing.T) {
	b := NewMemoryEventBus(nil)
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "prd.started", NewEvent("prd.started", "test", nil)))
	_, err := b.Subscribe("prd.*", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}
