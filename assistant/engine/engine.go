// Package engine runs assembled conversations through an ordered chain of
// model candidates, advancing on structured failures and bridging tool calls
// back to the same candidate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

const (
	defaultMaxToolIterations = 4
	defaultRateLimitWait     = 2 * time.Second
	defaultChatTimeout       = 60 * time.Second
)

type Config struct {
	// Candidates is the ordered fallback chain as "provider/model" entries,
	// e.g. "openai/gpt-4o-mini,gemini/gemini-2.0-flash".
	Candidates        string        `envconfig:"CANDIDATES" split_words:"true" required:"true"`
	Temperature       float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.3"`
	MaxTokens         int           `envconfig:"MAX_TOKENS" split_words:"true" default:"1024"`
	MaxToolIterations int           `envconfig:"MAX_TOOL_ITERATIONS" split_words:"true" default:"4"`
	RateLimitWait     time.Duration `envconfig:"RATE_LIMIT_WAIT" split_words:"true" default:"2s"`
	// ChatTimeout bounds each individual model call so a stalled provider
	// cannot hang the turn.
	ChatTimeout time.Duration `envconfig:"CHAT_TIMEOUT" split_words:"true" default:"60s"`
}

// Engine is the contract.Invoker implementation. The candidate chain and the
// provider set are fixed at construction; Invoke is safe for concurrent use.
type Engine struct {
	candidates []contractx.ModelCandidate
	providers  map[string]contractx.Provider
	bridge     contractx.ToolBridge
	tools      []contractx.ToolSpec
	system     string

	temperature   float32
	maxTokens     int
	maxToolIters  int
	rateLimitWait time.Duration
	chatTimeout   time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

var _ contractx.Invoker = (*Engine)(nil)

func New(cfg Config, providers []contractx.Provider, bridge contractx.ToolBridge, tools []contractx.ToolSpec, system string) (*Engine, error) {
	candidates, err := ParseCandidates(cfg.Candidates)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]contractx.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	for _, c := range candidates {
		if _, ok := byName[c.Provider]; !ok {
			return nil, fmt.Errorf("candidate %s/%s: provider not configured", c.Provider, c.Model)
		}
	}

	maxIters := cfg.MaxToolIterations
	if maxIters <= 0 {
		maxIters = defaultMaxToolIterations
	}
	wait := cfg.RateLimitWait
	if wait <= 0 {
		wait = defaultRateLimitWait
	}
	chatTimeout := cfg.ChatTimeout
	if chatTimeout <= 0 {
		chatTimeout = defaultChatTimeout
	}

	return &Engine{
		candidates:    candidates,
		providers:     byName,
		bridge:        bridge,
		tools:         tools,
		system:        system,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		maxToolIters:  maxIters,
		rateLimitWait: wait,
		chatTimeout:   chatTimeout,
		sleep:         sleepContext,
	}, nil
}

// ParseCandidates parses a comma-separated "provider/model" chain, keeping
// configured order.
func ParseCandidates(raw string) ([]contractx.ModelCandidate, error) {
	var out []contractx.ModelCandidate
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		provider, model, ok := strings.Cut(entry, "/")
		if !ok || strings.TrimSpace(provider) == "" || strings.TrimSpace(model) == "" {
			return nil, fmt.Errorf("invalid model candidate %q, want provider/model", entry)
		}
		out = append(out, contractx.ModelCandidate{
			Provider: strings.TrimSpace(provider),
			Model:    strings.TrimSpace(model),
		})
	}
	if len(out) == 0 {
		return nil, errors.New("model candidate chain is empty")
	}
	return out, nil
}

// Invoke tries each candidate in order until one produces final answer text.
// Tool round-trips stay on the candidate that requested them and never
// consume a fallback step.
func (e *Engine) Invoke(ctx context.Context, messages []contractx.Message) (string, error) {
	for i, candidate := range e.candidates {
		text, err := e.runCandidate(ctx, candidate, messages)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		switch {
		case errors.Is(err, contractx.ErrAuthFailure):
			if e.remainingShareCredential(i) {
				log.Error().Str("provider", candidate.Provider).Str("model", candidate.Model).
					Msg("credentials rejected and shared by all remaining candidates")
				return "", fmt.Errorf("%w: provider %s", contractx.ErrAuthFailure, candidate.Provider)
			}
			log.Warn().Str("provider", candidate.Provider).Str("model", candidate.Model).
				Msg("credentials rejected, advancing to differently keyed candidate")
		case errors.Is(err, contractx.ErrModelUnavailable),
			errors.Is(err, contractx.ErrRateLimited),
			errors.Is(err, contractx.ErrTransient):
			log.Warn().Err(err).Str("provider", candidate.Provider).Str("model", candidate.Model).
				Msg("model candidate failed, advancing")
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("%w: tried %d candidates", contractx.ErrExhausted, len(e.candidates))
}

// runCandidate drives one candidate through its tool loop. A rate limit gets
// a single bounded retry; a second one surfaces as ErrRateLimited so the
// chain advances.
func (e *Engine) runCandidate(ctx context.Context, candidate contractx.ModelCandidate, messages []contractx.Message) (string, error) {
	provider := e.providers[candidate.Provider]

	convo := make([]contractx.Message, len(messages))
	copy(convo, messages)

	rateLimitRetried := false
	for iteration := 0; iteration < e.maxToolIters; iteration++ {
		resp, err := e.chat(ctx, provider, contractx.ChatRequest{
			Model:       candidate.Model,
			System:      e.system,
			Messages:    convo,
			Tools:       e.tools,
			Temperature: e.temperature,
			MaxTokens:   e.maxTokens,
		})
		if err != nil {
			if errors.Is(err, contractx.ErrRateLimited) && !rateLimitRetried {
				rateLimitRetried = true
				log.Warn().Str("provider", candidate.Provider).Str("model", candidate.Model).
					Dur("wait", e.rateLimitWait).Msg("rate limited, retrying once")
				if sleepErr := e.sleep(ctx, e.rateLimitWait); sleepErr != nil {
					return "", sleepErr
				}
				iteration--
				continue
			}
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Text, nil
		}

		convo = append(convo, contractx.Message{
			Role:      contractx.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result, err := e.bridge.Invoke(ctx, call.Name, call.Arguments)
			if err != nil {
				return "", err
			}
			result.CallID = call.ID
			convo = append(convo, toolResultMessage(result))
		}
	}

	log.Warn().Str("provider", candidate.Provider).Str("model", candidate.Model).
		Int("iterations", e.maxToolIters).Msg("tool iteration cap reached")
	return "", fmt.Errorf("%w: tool iteration cap reached", contractx.ErrTransient)
}

// chat runs one model call under its own deadline. Expiry of that deadline,
// as opposed to upstream cancellation, is classified transient so the chain
// advances past a stalled provider.
func (e *Engine) chat(ctx context.Context, provider contractx.Provider, req contractx.ChatRequest) (contractx.ChatResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.chatTimeout)
	defer cancel()

	resp, err := provider.Chat(attemptCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return contractx.ChatResponse{}, fmt.Errorf("%w: model call timed out after %s", contractx.ErrTransient, e.chatTimeout)
	}
	return resp, err
}

// remainingShareCredential reports whether every candidate from index i on
// resolves to the same credential, in which case retrying them is pointless.
func (e *Engine) remainingShareCredential(i int) bool {
	key := e.providers[e.candidates[i].Provider].CredentialKey()
	for _, c := range e.candidates[i+1:] {
		if e.providers[c.Provider].CredentialKey() != key {
			return false
		}
	}
	return true
}

func toolResultMessage(tr contractx.ToolResult) contractx.Message {
	content := tr.Payload
	if !tr.OK {
		content = fmt.Sprintf(`{"error":%q,"kind":%q}`, tr.Error, tr.ErrorKind)
	}
	return contractx.Message{
		Role:       contractx.RoleTool,
		Content:    content,
		ToolCallID: tr.CallID,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
