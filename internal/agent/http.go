// Package agent provides AgentInvoker implementations: an HTTP client for
// remote agent services and a static invoker for dry runs.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/logging"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// HTTPConfig configures an HTTPInvoker.
type HTTPConfig struct {
	// Endpoint receives one POST per step attempt. A "{agent}" placeholder
	// is replaced with the step's agent id.
	Endpoint        string
	Headers         map[string]string
	MaxResponseBody int64
	Client          *http.Client
	Logger          *slog.Logger
}

// HTTPInvoker posts each Invocation as JSON and decodes an AgentOutput
// from the response.
type HTTPInvoker struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

var _ engine.AgentInvoker = (*HTTPInvoker)(nil)

// NewHTTPInvoker validates cfg and returns an invoker. Timeouts come from
// the context the engine passes to Invoke.
func NewHTTPInvoker(cfg HTTPConfig) (*HTTPInvoker, error) {
	probe := strings.ReplaceAll(cfg.Endpoint, "{agent}", "x")
	u, err := url.ParseRequestURI(probe)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent endpoint %q is not an http(s) url", cfg.Endpoint)
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPInvoker{cfg: cfg, client: client, logger: logger}, nil
}

// Invoke implements engine.AgentInvoker. Transport failures, 5xx and 429
// responses are invocation errors; other 4xx responses are validation
// errors. The engine retries both kinds within its retry budget.
func (h *HTTPInvoker) Invoke(ctx context.Context, inv *engine.Invocation) (*engine.AgentOutput, error) {
	body, err := json.Marshal(inv)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode invocation").WithCause(err)
	}

	endpoint := strings.ReplaceAll(h.cfg.Endpoint, "{agent}", url.PathEscape(inv.Step.AgentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAgentInvocation, "create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Workflow-Instance", inv.InstanceID)
	req.Header.Set("X-Workflow-Step", inv.Step.Name)
	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	log := logging.LogWith(ctx, h.logger)
	log.Debug("invoking agent", "endpoint", endpoint, "attempt", inv.Attempt)

	resp, err := h.client.Do(req)
	if err != nil {
		// The engine turns a deadline on ctx into a timeout error.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeAgentInvocation, "agent %s: request failed: %v", inv.Step.AgentID, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgentInvocation, "agent %s: read response", inv.Step.AgentID).WithCause(err)
	}

	if resp.StatusCode >= 300 {
		code := schema.ErrCodeAgentInvocation
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			code = schema.ErrCodeValidation
		}
		log.Warn("agent returned error status", "status", resp.StatusCode)
		return nil, schema.NewErrorf(code, "agent %s returned %d", inv.Step.AgentID, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": truncate(string(raw), 512)})
	}

	var out engine.AgentOutput
	if len(bytes.TrimSpace(raw)) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) && !strings.Contains(resp.Header.Get("Content-Type"), "json") {
			// Plain-text agents return the artifact body directly.
			return &engine.AgentOutput{Output: string(raw)}, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeAgentInvocation, "agent %s: decode response", inv.Step.AgentID).WithCause(err)
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
