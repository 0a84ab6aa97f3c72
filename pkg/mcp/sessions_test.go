package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/streaming"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("inst-1", "session-abc")
	sid, ok := r.SessionFor("inst-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("inst-1", "session-old")
	r.Register("inst-1", "session-new")

	sid, ok := r.SessionFor("inst-1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("inst-1", "session-abc")
	r.Register("inst-2", "session-abc")
	r.Register("inst-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("inst-1")
	assert.False(t, ok, "inst-1 should be removed")
	_, ok = r.SessionFor("inst-2")
	assert.False(t, ok, "inst-2 should be removed")

	sid, ok := r.SessionFor("inst-3")
	assert.True(t, ok, "inst-3 should still exist")
	assert.Equal(t, "session-xyz", sid)
}

func TestNotifier_UnwatchedInstance(t *testing.T) {
	s := NewServer(ServerDeps{})
	err := s.notifier.Notify(context.Background(), streaming.StreamEvent{
		InstanceID: "nobody-watches",
		Event:      schema.Event{Kind: schema.EventStepCompleted},
	})
	assert.NoError(t, err)
}

func TestNotifier_ExpiredSessionIsForgotten(t *testing.T) {
	s := NewServer(ServerDeps{})
	s.sessions.Register("inst-1", "gone")

	err := s.notifier.Notify(context.Background(), streaming.StreamEvent{
		InstanceID: "inst-1",
		Event:      schema.Event{Kind: schema.EventStepCompleted},
	})
	require.NoError(t, err)
	_, ok := s.sessions.SessionFor("inst-1")
	assert.False(t, ok)
}
