package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

const maxResponseSizeBytes = 2 << 20

type BridgeConfig struct {
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"15s"`
}

// Bridge invokes registered tools over HTTP: POST {server}/tools/{name} with
// a JSON arguments body and an optional bearer credential. Every invocation
// is at-most-once; side-effecting tools must not be silently retried, so the
// bridge never retries.
type Bridge struct {
	registry   *Registry
	httpClient *http.Client
	timeout    time.Duration
}

var _ contractx.ToolBridge = (*Bridge)(nil)

type invokeBody struct {
	Arguments map[string]any `json:"arguments"`
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func NewBridge(registry *Registry, cfg BridgeConfig) (*Bridge, error) {
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Bridge{
		registry:   registry,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}, nil
}

// Invoke performs one tool round-trip. Failures come back inside the result
// (with a taxonomy kind) so the conversation can continue; the error return
// is reserved for context cancellation.
func (b *Bridge) Invoke(ctx context.Context, name string, args map[string]any) (contractx.ToolResult, error) {
	result := contractx.ToolResult{
		Tool:      name,
		CallID:    uuid.NewString(),
		Arguments: args,
	}

	reg, ok := b.registry.lookup(name)
	if !ok {
		log.Warn().Str("tool", name).Msg("tool not registered")
		result.ErrorKind = contractx.ErrToolNotFound.Error()
		result.Error = fmt.Sprintf("tool %s is not available", name)
		return result, nil
	}

	payload, err := json.Marshal(invokeBody{Arguments: args})
	if err != nil {
		result.ErrorKind = contractx.ErrTransient.Error()
		result.Error = fmt.Sprintf("encode arguments: %v", err)
		return result, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.server.URL+"/tools/"+name, bytes.NewReader(payload))
	if err != nil {
		result.ErrorKind = contractx.ErrTransient.Error()
		result.Error = err.Error()
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if reg.server.Token != "" {
		req.Header.Set("Authorization", "Bearer "+reg.server.Token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if parent := ctx.Err(); errors.Is(parent, context.Canceled) {
			return result, parent
		}
		kind := contractx.ErrTransient
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			kind = contractx.ErrToolTimeout
		}
		log.Warn().Err(err).Str("tool", name).Msg("tool call failed")
		result.ErrorKind = kind.Error()
		result.Error = "tool call failed"
		return result, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		result.ErrorKind = contractx.ErrTransient.Error()
		result.Error = "read tool response"
		return result, nil
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		log.Warn().Int("status", resp.StatusCode).Str("tool", name).Msg("tool server returned error")
		result.ErrorKind = contractx.ErrTransient.Error()
		result.Error = serverError(resp.StatusCode, raw)
		return result, nil
	}

	result.OK = true
	result.Payload = string(raw)
	return result, nil
}

// Health checks a tool server's liveness endpoint.
func (b *Bridge) Health(ctx context.Context, server ServerRef) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tool server health status=%d", resp.StatusCode)
	}
	return nil
}

func serverError(status int, raw []byte) string {
	var parsed errorBody
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Detail != "" {
			return parsed.Detail
		}
	}
	return fmt.Sprintf("tool server status=%d", status)
}

func isClientTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}
