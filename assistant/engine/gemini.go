package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

type GeminiConfig struct {
	APIKey string `envconfig:"API_KEY" split_words:"true" required:"true"`
}

// GeminiProvider adapts the Gemini API to the provider contract. Gemini has
// no tool call identifiers of its own, so the provider synthesizes them;
// replaying a result recovers the function name from the assistant turn that
// requested it.
type GeminiProvider struct {
	client        *genai.Client
	credentialKey string
}

var _ contractx.Provider = (*GeminiProvider)(nil)

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiProvider{
		client:        client,
		credentialKey: credentialFingerprint(key),
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) CredentialKey() string { return p.credentialKey }

func (p *GeminiProvider) Close() error { return p.client.Close() }

func (p *GeminiProvider) Chat(ctx context.Context, req contractx.ChatRequest) (contractx.ChatResponse, error) {
	model := p.client.GenerativeModel(req.Model)
	if req.Temperature > 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if len(req.Tools) > 0 {
		model.Tools = geminiTools(req.Tools)
	}

	contents := geminiContents(req.Messages)
	if len(contents) == 0 {
		return contractx.ChatResponse{}, errors.New("gemini: empty conversation")
	}

	session := model.StartChat()
	session.History = contents[:len(contents)-1]
	resp, err := session.SendMessage(ctx, contents[len(contents)-1].Parts...)
	if err != nil {
		return contractx.ChatResponse{}, classifyGeminiError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return contractx.ChatResponse{}, fmt.Errorf("%w: empty candidate", contractx.ErrTransient)
	}

	var out contractx.ChatResponse
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			out.Text += string(v)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, contractx.ToolCall{
				ID:        uuid.NewString(),
				Name:      v.Name,
				Arguments: v.Args,
			})
		}
	}
	return out, nil
}

// geminiContents converts the provider-agnostic conversation. System facts
// become user turns since Gemini history has no system role; tool results
// replay as function responses, recovering the function name from the
// assistant turn that issued the matching call ID.
func geminiContents(messages []contractx.Message) []*genai.Content {
	callNames := make(map[string]string)
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case contractx.RoleAssistant:
			parts := []genai.Part{}
			if m.Content != "" {
				parts = append(parts, genai.Text(m.Content))
			}
			for _, call := range m.ToolCalls {
				callNames[call.ID] = call.Name
				parts = append(parts, genai.FunctionCall{Name: call.Name, Args: call.Arguments})
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, &genai.Content{Role: "model", Parts: parts})
		case contractx.RoleTool:
			name := callNames[m.ToolCallID]
			if name == "" {
				name = "tool"
			}
			out = append(out, &genai.Content{
				Role: "function",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     name,
					Response: responsePayload(m.Content),
				}},
			})
		default:
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	return out
}

func geminiTools(specs []contractx.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		properties := make(map[string]*genai.Schema, len(spec.Params))
		var required []string
		for name, param := range spec.Params {
			properties[name] = &genai.Schema{
				Type:        geminiType(param.Type),
				Description: param.Description,
			}
			if param.Required {
				required = append(required, name)
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   required,
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func geminiType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

func responsePayload(content string) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(content), &parsed); err == nil {
		return parsed
	}
	return map[string]any{"content": content}
}

// classifyGeminiError maps gRPC status codes onto the failure taxonomy.
func classifyGeminiError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", contractx.ErrTransient, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: code=%s", contractx.ErrModelUnavailable, st.Code())
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: code=%s", contractx.ErrAuthFailure, st.Code())
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: code=%s", contractx.ErrRateLimited, st.Code())
	default:
		return fmt.Errorf("%w: code=%s", contractx.ErrTransient, st.Code())
	}
}
