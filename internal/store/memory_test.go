package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

func TestMemoryStore_CopiesOnSaveAndLoad(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstance("greenfield", schema.StatusRunning, time.Now().UTC())
	require.NoError(t, s.Save(ctx, inst))
	inst.Context.Variables["mutated"] = true

	got, err := s.Load(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.NotContains(t, got.Context.Variables, "mutated")

	got.Status = schema.StatusFailed
	again, err := s.Load(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, again.Status)
}

func TestMemoryStore_LoadMissing(t *testing.T) {
	got, err := NewMemoryStore().Load(context.Background(), "x")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_StaleVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := newInstance("greenfield", schema.StatusRunning, time.Now().UTC())
	require.NoError(t, s.Save(ctx, inst))
	err := s.Save(ctx, inst)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestMemoryStore_List(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	a := newInstance("greenfield", schema.StatusRunning, base)
	b := newInstance("brownfield", schema.StatusRunning, base.Add(time.Second))
	c := newInstance("greenfield", schema.StatusCompleted, base.Add(2*time.Second))
	for _, inst := range []*schema.WorkflowInstance{c, b, a} {
		require.NoError(t, s.Save(ctx, inst))
	}

	running, err := s.List(ctx, engine.InstanceFilter{Status: schema.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, a.InstanceID, running[0].InstanceID)
	assert.Equal(t, b.InstanceID, running[1].InstanceID)

	green, err := s.List(ctx, engine.InstanceFilter{DefinitionID: "greenfield", Limit: 1})
	require.NoError(t, err)
	require.Len(t, green, 1)
	assert.Equal(t, a.InstanceID, green[0].InstanceID)
}
