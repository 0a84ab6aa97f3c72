package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/streaming"
)

// Notifier pushes instance events to the session that started the instance.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewNotifier creates a notifier that pushes via MCP notifications.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *Notifier {
	return &Notifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends ev to the instance's session.
// Best-effort: returns nil if no session is watching.
func (n *Notifier) Notify(_ context.Context, ev streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.InstanceID)
	if !ok {
		return nil
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "workflow",
		"data": map[string]any{
			"instance_id": ev.InstanceID,
			"kind":        ev.Kind,
			"step":        ev.StepName,
			"status":      ev.Status,
			"message":     ev.Message,
			"timestamp":   ev.Timestamp,
		},
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// startForwarding relays hub events to watching sessions until ctx ends.
func (s *Server) startForwarding(ctx context.Context) {
	if s.hub == nil {
		return
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		s.logger.Warn("event forwarding disabled", "error", err)
		return
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := s.notifier.Notify(ctx, ev); err != nil {
					s.logger.Debug("notify session failed", "instance_id", ev.InstanceID, "error", err)
				}
			}
		}
	}()
}
