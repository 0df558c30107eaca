package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

type OpenAIConfig struct {
	APIKey  string `envconfig:"API_KEY" split_words:"true" required:"true"`
	BaseURL string `envconfig:"BASE_URL" split_words:"true"`
}

// OpenAIProvider adapts the OpenAI chat completions API to the provider
// contract. With BaseURL set it also serves OpenAI-compatible gateways.
type OpenAIProvider struct {
	client        openaisdk.Client
	credentialKey string
}

var _ contractx.Provider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("openai: api key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}

	return &OpenAIProvider{
		client:        openaisdk.NewClient(opts...),
		credentialKey: credentialFingerprint(key),
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) CredentialKey() string { return p.credentialKey }

func (p *OpenAIProvider) Chat(ctx context.Context, req contractx.ChatRequest) (contractx.ChatResponse, error) {
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(req.Model),
		Messages: openaiMessages(req),
	}
	if len(req.Tools) > 0 {
		params.Tools = openaiTools(req.Tools)
	}
	if req.Temperature > 0 {
		params.Temperature = openaisdk.Float(float64(req.Temperature))
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return contractx.ChatResponse{}, classifyOpenAIError(err)
	}
	if len(completion.Choices) == 0 {
		return contractx.ChatResponse{}, fmt.Errorf("%w: empty completion", contractx.ErrTransient)
	}

	msg := completion.Choices[0].Message
	out := contractx.ChatResponse{Text: msg.Content}
	for _, call := range msg.ToolCalls {
		args := map[string]any{}
		if raw := call.Function.Arguments; raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return contractx.ChatResponse{}, fmt.Errorf("%w: decode tool arguments: %v", contractx.ErrTransient, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, contractx.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func openaiMessages(req contractx.ChatRequest) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openaisdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case contractx.RoleSystem:
			out = append(out, openaisdk.SystemMessage(m.Content))
		case contractx.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				out = append(out, assistantWithToolCalls(m))
				continue
			}
			out = append(out, openaisdk.AssistantMessage(m.Content))
		case contractx.RoleTool:
			out = append(out, openaisdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openaisdk.UserMessage(m.Content))
		}
	}
	return out
}

func assistantWithToolCalls(m contractx.Message) openaisdk.ChatCompletionMessageParamUnion {
	assistant := openaisdk.ChatCompletionAssistantMessageParam{}
	if m.Content != "" {
		assistant.Content.OfString = openaisdk.String(m.Content)
	}
	for _, call := range m.ToolCalls {
		args, err := json.Marshal(call.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		assistant.ToolCalls = append(assistant.ToolCalls, openaisdk.ChatCompletionMessageToolCallParam{
			ID: call.ID,
			Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: string(args),
			},
		})
	}
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func openaiTools(specs []contractx.ToolSpec) []openaisdk.ChatCompletionToolParam {
	out := make([]openaisdk.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		properties := map[string]any{}
		var required []string
		for name, param := range spec.Params {
			properties[name] = map[string]any{
				"type":        param.Type,
				"description": param.Description,
			}
			if param.Required {
				required = append(required, name)
			}
		}
		parameters := openaisdk.FunctionParameters{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			parameters["required"] = required
		}
		out = append(out, openaisdk.ChatCompletionToolParam{
			Function: openaisdk.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openaisdk.String(spec.Description),
				Parameters:  parameters,
			},
		})
	}
	return out
}

// classifyOpenAIError maps HTTP status codes onto the failure taxonomy.
// Response text is never inspected.
func classifyOpenAIError(err error) error {
	var apiErr *openaisdk.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", contractx.ErrTransient, err)
	}
	switch apiErr.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: status=%d", contractx.ErrModelUnavailable, apiErr.StatusCode)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status=%d", contractx.ErrAuthFailure, apiErr.StatusCode)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: status=%d", contractx.ErrRateLimited, apiErr.StatusCode)
	default:
		return fmt.Errorf("%w: status=%d", contractx.ErrTransient, apiErr.StatusCode)
	}
}

// credentialFingerprint derives a short stable identifier from an API key so
// candidates sharing a key can be recognized without ever logging the key.
func credentialFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
