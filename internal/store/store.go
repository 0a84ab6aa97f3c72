// Package store provides the StateStore, EventSink and ArtifactStore
// implementations the engine runs against: in-memory, libSQL and Redis.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// Store is a StateStore that can enumerate instances.
// All implementations must be safe for concurrent use.
type Store interface {
	engine.StateStore
	engine.InstanceLister
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// MemoryStore keeps instances as JSON documents in a map. Saved and loaded
// instances never share memory with the caller.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
	vers map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte), vers: make(map[string]int64)}
}

// Save stores inst, rejecting a version older than the stored one.
func (s *MemoryStore) Save(_ context.Context, inst *schema.WorkflowInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.vers[inst.InstanceID]; ok && inst.Version <= cur {
		return staleVersion(inst.InstanceID, inst.Version, cur)
	}
	s.docs[inst.InstanceID] = data
	s.vers[inst.InstanceID] = inst.Version
	return nil
}

// Load returns the stored instance or nil when it does not exist.
func (s *MemoryStore) Load(_ context.Context, id string) (*schema.WorkflowInstance, error) {
	s.mu.RLock()
	data, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeInstance(data)
}

// List returns the instances matching filter, oldest first.
func (s *MemoryStore) List(_ context.Context, filter engine.InstanceFilter) ([]*schema.WorkflowInstance, error) {
	s.mu.RLock()
	docs := make([][]byte, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	out := make([]*schema.WorkflowInstance, 0, len(docs))
	for _, d := range docs {
		inst, err := decodeInstance(d)
		if err != nil {
			return nil, err
		}
		if matches(inst, filter) {
			out = append(out, inst)
		}
	}
	sortByCreation(out)
	return limit(out, filter.Limit), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func decodeInstance(data []byte) (*schema.WorkflowInstance, error) {
	var inst schema.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance: %w", err)
	}
	return &inst, nil
}

func matches(inst *schema.WorkflowInstance, f engine.InstanceFilter) bool {
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	return true
}

func sortByCreation(list []*schema.WorkflowInstance) {
	slices.SortStableFunc(list, func(a, b *schema.WorkflowInstance) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.InstanceID < b.InstanceID {
			return -1
		}
		if a.InstanceID > b.InstanceID {
			return 1
		}
		return 0
	})
}

func limit(list []*schema.WorkflowInstance, n int) []*schema.WorkflowInstance {
	if n > 0 && len(list) > n {
		return list[:n]
	}
	return list
}

func staleVersion(id string, got, stored int64) *schema.WorkflowError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"instance %q: version %d is not newer than stored version %d", id, got, stored).
		WithDetails(map[string]any{"instance_id": id, "version": got, "stored_version": stored})
}

func notFound(resource, id string) *schema.WorkflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}
