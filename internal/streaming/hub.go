// Package streaming fans engine events out to live subscribers, in process
// or across processes through Redis.
package streaming

import (
	"context"
	"slices"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// StreamEvent is an engine event tagged with the instance it belongs to.
type StreamEvent struct {
	InstanceID string `json:"instance_id"`
	schema.Event
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	Kinds      []string `json:"kinds,omitempty"`
}

// EventHub is an event sink that live subscribers can attach to.
type EventHub interface {
	engine.EventSink
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e StreamEvent) bool {
	if f.InstanceID != "" && f.InstanceID != e.InstanceID {
		return false
	}
	return len(f.Kinds) == 0 || slices.Contains(f.Kinds, e.Kind)
}
