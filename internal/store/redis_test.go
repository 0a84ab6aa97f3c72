package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestRedis_SaveLoad(t *testing.T) {
	mr, s := setupTestRedis(t)
	ctx := context.Background()

	inst := newInstance("greenfield", schema.StatusRunning, time.Now().UTC())
	inst.Context.Variables["approved"] = true
	require.NoError(t, s.Save(ctx, inst))

	assert.True(t, mr.Exists("test:instance:data:"+inst.InstanceID))
	members, err := mr.ZMembers("test:instance:status:running")
	require.NoError(t, err)
	assert.Equal(t, []string{inst.InstanceID}, members)

	got, err := s.Load(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, inst.DefinitionID, got.DefinitionID)
	assert.Equal(t, true, got.Context.Variables["approved"])
}

func TestRedis_LoadMissing(t *testing.T) {
	_, s := setupTestRedis(t)
	got, err := s.Load(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedis_StatusIndexMoves(t *testing.T) {
	mr, s := setupTestRedis(t)
	ctx := context.Background()

	inst := newInstance("greenfield", schema.StatusRunning, time.Now().UTC())
	require.NoError(t, s.Save(ctx, inst))
	inst.Status = schema.StatusPaused
	inst.Version++
	require.NoError(t, s.Save(ctx, inst))

	assert.False(t, mr.Exists("test:instance:status:running"), "emptied sorted set is removed")
	members, err := mr.ZMembers("test:instance:status:paused")
	require.NoError(t, err)
	assert.Equal(t, []string{inst.InstanceID}, members)
}

func TestRedis_SaveRejectsStaleVersion(t *testing.T) {
	_, s := setupTestRedis(t)
	ctx := context.Background()

	inst := newInstance("greenfield", schema.StatusRunning, time.Now().UTC())
	inst.Version = 3
	require.NoError(t, s.Save(ctx, inst))

	stale := inst.Clone()
	stale.Version = 2
	err := s.Save(ctx, stale)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestRedis_List(t *testing.T) {
	_, s := setupTestRedis(t)
	ctx := context.Background()
	base := time.Now().UTC()

	a := newInstance("greenfield", schema.StatusRunning, base)
	b := newInstance("greenfield", schema.StatusPaused, base.Add(time.Second))
	c := newInstance("brownfield", schema.StatusRunning, base.Add(2*time.Second))
	for _, inst := range []*schema.WorkflowInstance{b, c, a} {
		require.NoError(t, s.Save(ctx, inst))
	}

	tests := []struct {
		name   string
		filter engine.InstanceFilter
		want   []string
	}{
		{"all", engine.InstanceFilter{}, []string{a.InstanceID, b.InstanceID, c.InstanceID}},
		{"by status", engine.InstanceFilter{Status: schema.StatusRunning}, []string{a.InstanceID, c.InstanceID}},
		{"by definition", engine.InstanceFilter{DefinitionID: "greenfield"}, []string{a.InstanceID, b.InstanceID}},
		{"both", engine.InstanceFilter{Status: schema.StatusRunning, DefinitionID: "greenfield"}, []string{a.InstanceID}},
		{"limit", engine.InstanceFilter{Status: schema.StatusRunning, Limit: 1}, []string{a.InstanceID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, len(got))
			for i, inst := range got {
				ids[i] = inst.InstanceID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestRedis_ListSkipsDanglingIndexEntries(t *testing.T) {
	mr, s := setupTestRedis(t)
	ctx := context.Background()

	inst := newInstance("greenfield", schema.StatusRunning, time.Now().UTC())
	require.NoError(t, s.Save(ctx, inst))
	mr.Del("test:instance:data:" + inst.InstanceID)

	got, err := s.List(ctx, engine.InstanceFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedis_Delete(t *testing.T) {
	mr, s := setupTestRedis(t)
	ctx := context.Background()

	inst := newInstance("greenfield", schema.StatusCompleted, time.Now().UTC())
	require.NoError(t, s.Save(ctx, inst))
	require.NoError(t, s.Delete(ctx, inst.InstanceID))

	assert.False(t, mr.Exists("test:instance:data:"+inst.InstanceID))
	assert.False(t, mr.Exists("test:instance:all"))
	err := s.Delete(ctx, inst.InstanceID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisStore(ctx, RedisConfig{Addr: addr})
	assert.Error(t, err)
}
