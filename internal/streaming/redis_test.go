package streaming

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

func setupPublisher(t *testing.T) (*miniredis.Miniredis, *RedisPublisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisPublisher(client, "test:", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRedisPublisher_InstanceChannel(t *testing.T) {
	_, p := setupPublisher(t)
	ctx := context.Background()

	ch, cancel, err := p.Subscribe(ctx, EventFilter{InstanceID: "inst-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, p.Emit(ctx, "inst-2", ev(schema.EventStepStarted)))
	require.NoError(t, p.Emit(ctx, "inst-1", ev(schema.EventStepCompleted)))

	got := receive(t, ch)
	assert.Equal(t, "inst-1", got.InstanceID)
	assert.Equal(t, schema.EventStepCompleted, got.Kind)
	assert.Equal(t, "brief", got.StepName)
}

func TestRedisPublisher_PatternSubscribeWithKinds(t *testing.T) {
	_, p := setupPublisher(t)
	ctx := context.Background()

	ch, cancel, err := p.Subscribe(ctx, EventFilter{Kinds: []string{schema.EventWorkflowCompleted}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, p.Emit(ctx, "a", ev(schema.EventStepStarted)))
	require.NoError(t, p.Emit(ctx, "b", ev(schema.EventWorkflowCompleted)))

	got := receive(t, ch)
	assert.Equal(t, "b", got.InstanceID)
	assert.Equal(t, schema.EventWorkflowCompleted, got.Kind)
}

func TestRedisPublisher_SkipsUndecodable(t *testing.T) {
	mr, p := setupPublisher(t)
	ctx := context.Background()

	ch, cancel, err := p.Subscribe(ctx, EventFilter{InstanceID: "inst-1"})
	require.NoError(t, err)
	defer cancel()

	mr.Publish(p.Channel("inst-1"), "not json")
	require.NoError(t, p.Emit(ctx, "inst-1", ev(schema.EventStepSkipped)))

	assert.Equal(t, schema.EventStepSkipped, receive(t, ch).Kind)
}

func TestRedisPublisher_CancelClosesChannel(t *testing.T) {
	_, p := setupPublisher(t)

	ch, cancel, err := p.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	cancel()
	cancel()

	for range ch {
	}
}

func TestRedisPublisher_EmitFailsWhenDown(t *testing.T) {
	mr, p := setupPublisher(t)
	mr.Close()
	assert.Error(t, p.Emit(context.Background(), "inst-1", ev("tick")))
}
