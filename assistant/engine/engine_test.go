package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

type chatOutcome struct {
	resp contractx.ChatResponse
	err  error
}

type fakeProvider struct {
	name     string
	credKey  string
	outcomes []chatOutcome
	calls    int
	requests []contractx.ChatRequest
}

func (f *fakeProvider) Name() string          { return f.name }
func (f *fakeProvider) CredentialKey() string { return f.credKey }

func (f *fakeProvider) Chat(ctx context.Context, req contractx.ChatRequest) (contractx.ChatResponse, error) {
	f.calls++
	f.requests = append(f.requests, req)
	idx := f.calls - 1
	if idx >= len(f.outcomes) {
		idx = len(f.outcomes) - 1
	}
	if idx < 0 {
		return contractx.ChatResponse{}, fmt.Errorf("no outcome configured for %s", f.name)
	}
	out := f.outcomes[idx]
	return out.resp, out.err
}

type bridgeCall struct {
	name string
	args map[string]any
}

type fakeBridge struct {
	results map[string]contractx.ToolResult
	err     error
	calls   []bridgeCall
}

func (f *fakeBridge) Invoke(ctx context.Context, name string, args map[string]any) (contractx.ToolResult, error) {
	f.calls = append(f.calls, bridgeCall{name: name, args: args})
	if f.err != nil {
		return contractx.ToolResult{}, f.err
	}
	if result, ok := f.results[name]; ok {
		return result, nil
	}
	return contractx.ToolResult{Tool: name, OK: true, Payload: "{}"}, nil
}

func newTestEngine(t *testing.T, candidates string, bridge contractx.ToolBridge, providers ...contractx.Provider) (*Engine, *[]time.Duration) {
	t.Helper()
	e, err := New(Config{
		Candidates:        candidates,
		MaxToolIterations: 4,
		RateLimitWait:     2 * time.Second,
		ChatTimeout:       50 * time.Millisecond,
	}, providers, bridge, nil, "eres un asistente")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func userMessages(text string) []contractx.Message {
	return []contractx.Message{{Role: contractx.RoleUser, Content: text}}
}

func TestInvokeFallbackChain(t *testing.T) {
	t.Parallel()

	a := &fakeProvider{name: "a", credKey: "key-a", outcomes: []chatOutcome{
		{err: fmt.Errorf("%w: status=404", contractx.ErrModelUnavailable)},
	}}
	b := &fakeProvider{name: "b", credKey: "key-b", outcomes: []chatOutcome{
		{err: fmt.Errorf("%w: status=429", contractx.ErrRateLimited)},
		{resp: contractx.ChatResponse{Text: "respuesta final"}},
	}}
	c := &fakeProvider{name: "c", credKey: "key-c", outcomes: []chatOutcome{
		{resp: contractx.ChatResponse{Text: "nunca"}},
	}}

	e, slept := newTestEngine(t, "a/m1,b/m2,c/m3", &fakeBridge{}, a, b, c)

	answer, err := e.Invoke(context.Background(), userMessages("hola"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if answer != "respuesta final" {
		t.Fatalf("answer = %q", answer)
	}
	if a.calls != 1 {
		t.Fatalf("provider a calls = %d, want 1", a.calls)
	}
	if b.calls != 2 {
		t.Fatalf("provider b calls = %d, want 2 (rate limit retry)", b.calls)
	}
	if c.calls != 0 {
		t.Fatalf("provider c calls = %d, want 0", c.calls)
	}
	if len(*slept) != 1 || (*slept)[0] != 2*time.Second {
		t.Fatalf("slept = %v, want one 2s wait", *slept)
	}
	if b.requests[0].Model != "m2" {
		t.Fatalf("request model = %q, want m2", b.requests[0].Model)
	}
}

func TestInvokeAllCandidatesExhausted(t *testing.T) {
	t.Parallel()

	unavailable := chatOutcome{err: fmt.Errorf("%w: status=404", contractx.ErrModelUnavailable)}
	a := &fakeProvider{name: "a", credKey: "k1", outcomes: []chatOutcome{unavailable}}
	b := &fakeProvider{name: "b", credKey: "k2", outcomes: []chatOutcome{unavailable}}

	e, _ := newTestEngine(t, "a/m1,b/m2", &fakeBridge{}, a, b)

	_, err := e.Invoke(context.Background(), userMessages("hola"))
	if !errors.Is(err, contractx.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("calls = a:%d b:%d, want one each", a.calls, b.calls)
	}
	if !strings.Contains(err.Error(), "2 candidates") {
		t.Fatalf("error should name the chain length: %v", err)
	}
}

func TestInvokeAuthFastFailSharedCredential(t *testing.T) {
	t.Parallel()

	a := &fakeProvider{name: "a", credKey: "shared", outcomes: []chatOutcome{
		{err: fmt.Errorf("%w: status=401", contractx.ErrAuthFailure)},
	}}
	b := &fakeProvider{name: "b", credKey: "shared", outcomes: []chatOutcome{
		{resp: contractx.ChatResponse{Text: "nunca"}},
	}}

	e, _ := newTestEngine(t, "a/m1,b/m2", &fakeBridge{}, a, b)

	_, err := e.Invoke(context.Background(), userMessages("hola"))
	if !errors.Is(err, contractx.ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
	if b.calls != 0 {
		t.Fatalf("shared-credential candidate must be skipped, got %d calls", b.calls)
	}
}

func TestInvokeAuthAdvancesOnDifferentCredential(t *testing.T) {
	t.Parallel()

	a := &fakeProvider{name: "a", credKey: "key-a", outcomes: []chatOutcome{
		{err: fmt.Errorf("%w: status=403", contractx.ErrAuthFailure)},
	}}
	b := &fakeProvider{name: "b", credKey: "key-b", outcomes: []chatOutcome{
		{resp: contractx.ChatResponse{Text: "desde b"}},
	}}

	e, _ := newTestEngine(t, "a/m1,b/m2", &fakeBridge{}, a, b)

	answer, err := e.Invoke(context.Background(), userMessages("hola"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if answer != "desde b" {
		t.Fatalf("answer = %q", answer)
	}
}

func TestInvokeRateLimitedTwiceAdvances(t *testing.T) {
	t.Parallel()

	limited := chatOutcome{err: fmt.Errorf("%w: status=429", contractx.ErrRateLimited)}
	a := &fakeProvider{name: "a", credKey: "k1", outcomes: []chatOutcome{limited, limited}}
	b := &fakeProvider{name: "b", credKey: "k2", outcomes: []chatOutcome{
		{resp: contractx.ChatResponse{Text: "desde b"}},
	}}

	e, slept := newTestEngine(t, "a/m1,b/m2", &fakeBridge{}, a, b)

	answer, err := e.Invoke(context.Background(), userMessages("hola"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if answer != "desde b" {
		t.Fatalf("answer = %q", answer)
	}
	if a.calls != 2 {
		t.Fatalf("provider a calls = %d, want 2 (one retry)", a.calls)
	}
	if len(*slept) != 1 {
		t.Fatalf("expected one rate limit wait, got %d", len(*slept))
	}
}

func TestInvokeToolRoundTripStaysOnCandidate(t *testing.T) {
	t.Parallel()

	call := contractx.ToolCall{ID: "call-1", Name: "consultar_datos", Arguments: map[string]any{"categoria": "products"}}
	a := &fakeProvider{name: "a", credKey: "k1", outcomes: []chatOutcome{
		{resp: contractx.ChatResponse{ToolCalls: []contractx.ToolCall{call}}},
		{resp: contractx.ChatResponse{Text: "hay 3 productos"}},
	}}
	bridge := &fakeBridge{results: map[string]contractx.ToolResult{
		"consultar_datos": {Tool: "consultar_datos", OK: true, Payload: `{"registros":3}`},
	}}

	e, _ := newTestEngine(t, "a/m1", bridge, a)

	answer, err := e.Invoke(context.Background(), userMessages("¿cuántos productos hay?"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if answer != "hay 3 productos" {
		t.Fatalf("answer = %q", answer)
	}
	if a.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", a.calls)
	}
	if len(bridge.calls) != 1 {
		t.Fatalf("bridge calls = %d, want 1", len(bridge.calls))
	}
	if bridge.calls[0].name != "consultar_datos" {
		t.Fatalf("bridge tool = %q", bridge.calls[0].name)
	}

	// The second request must carry the assistant tool-call turn and the
	// tool result tied to the same call id.
	second := a.requests[1].Messages
	if len(second) != 3 {
		t.Fatalf("second request has %d messages, want 3", len(second))
	}
	if second[1].Role != contractx.RoleAssistant || len(second[1].ToolCalls) != 1 {
		t.Fatalf("missing assistant tool-call turn: %+v", second[1])
	}
	if second[2].Role != contractx.RoleTool || second[2].ToolCallID != "call-1" {
		t.Fatalf("missing tool result turn: %+v", second[2])
	}
	if second[2].Content != `{"registros":3}` {
		t.Fatalf("tool payload = %q", second[2].Content)
	}
}

func TestInvokeToolFailureFlowsBackAsResult(t *testing.T) {
	t.Parallel()

	call := contractx.ToolCall{ID: "call-9", Name: "ghost"}
	a := &fakeProvider{name: "a", credKey: "k1", outcomes: []chatOutcome{
		{resp: contractx.ChatResponse{ToolCalls: []contractx.ToolCall{call}}},
		{resp: contractx.ChatResponse{Text: "esa herramienta no existe"}},
	}}
	bridge := &fakeBridge{results: map[string]contractx.ToolResult{
		"ghost": {Tool: "ghost", OK: false, Error: "tool ghost is not available", ErrorKind: contractx.ErrToolNotFound.Error()},
	}}

	e, _ := newTestEngine(t, "a/m1", bridge, a)

	answer, err := e.Invoke(context.Background(), userMessages("usa ghost"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if answer != "esa herramienta no existe" {
		t.Fatalf("answer = %q", answer)
	}

	toolTurn := a.requests[1].Messages[2]
	if !strings.Contains(toolTurn.Content, contractx.ErrToolNotFound.Error()) {
		t.Fatalf("tool failure kind missing from content: %q", toolTurn.Content)
	}
}

func TestInvokeToolIterationCapAdvances(t *testing.T) {
	t.Parallel()

	call := contractx.ToolCall{ID: "c", Name: "loop"}
	looping := chatOutcome{resp: contractx.ChatResponse{ToolCalls: []contractx.ToolCall{call}}}
	a := &fakeProvider{name: "a", credKey: "k1", outcomes: []chatOutcome{looping}}
	b := &fakeProvider{name: "b", credKey: "k2", outcomes: []chatOutcome{
		{resp: contractx.ChatResponse{Text: "sin bucle"}},
	}}

	e, _ := newTestEngine(t, "a/m1,b/m2", &fakeBridge{}, a, b)

	answer, err := e.Invoke(context.Background(), userMessages("hola"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if answer != "sin bucle" {
		t.Fatalf("answer = %q", answer)
	}
	if a.calls != 4 {
		t.Fatalf("provider a calls = %d, want the iteration cap", a.calls)
	}
}

// stalledProvider never answers; it only returns once its context ends.
type stalledProvider struct {
	name    string
	credKey string
	calls   int
}

func (s *stalledProvider) Name() string          { return s.name }
func (s *stalledProvider) CredentialKey() string { return s.credKey }

func (s *stalledProvider) Chat(ctx context.Context, req contractx.ChatRequest) (contractx.ChatResponse, error) {
	s.calls++
	<-ctx.Done()
	return contractx.ChatResponse{}, ctx.Err()
}

func TestInvokeStalledProviderTimesOutAndAdvances(t *testing.T) {
	t.Parallel()

	a := &stalledProvider{name: "a", credKey: "k1"}
	b := &fakeProvider{name: "b", credKey: "k2", outcomes: []chatOutcome{
		{resp: contractx.ChatResponse{Text: "desde b"}},
	}}

	e, _ := newTestEngine(t, "a/m1,b/m2", &fakeBridge{}, a, b)

	answer, err := e.Invoke(context.Background(), userMessages("hola"))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if answer != "desde b" {
		t.Fatalf("answer = %q", answer)
	}
	if a.calls != 1 {
		t.Fatalf("stalled provider calls = %d, want 1", a.calls)
	}
}

func TestInvokeStalledOnlyCandidateExhausts(t *testing.T) {
	t.Parallel()

	a := &stalledProvider{name: "a", credKey: "k1"}
	e, _ := newTestEngine(t, "a/m1", &fakeBridge{}, a)

	_, err := e.Invoke(context.Background(), userMessages("hola"))
	if !errors.Is(err, contractx.ErrExhausted) {
		t.Fatalf("expected ErrExhausted after attempt timeout, got %v", err)
	}
}

func TestInvokeContextCancellationStopsChain(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	a := &fakeProvider{name: "a", credKey: "k1", outcomes: []chatOutcome{
		{err: fmt.Errorf("%w: status=500", contractx.ErrTransient)},
	}}
	b := &fakeProvider{name: "b", credKey: "k2", outcomes: []chatOutcome{
		{resp: contractx.ChatResponse{Text: "nunca"}},
	}}

	e, _ := newTestEngine(t, "a/m1,b/m2", &fakeBridge{}, a, b)
	cancel()

	_, err := e.Invoke(ctx, userMessages("hola"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.calls != 0 {
		t.Fatalf("cancelled chain must not advance, got %d calls", b.calls)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	a := &fakeProvider{name: "a", credKey: "k"}
	_, err := New(Config{Candidates: "a/m1,missing/m2"}, []contractx.Provider{a}, &fakeBridge{}, nil, "")
	if err == nil || !strings.Contains(err.Error(), "provider not configured") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestParseCandidates(t *testing.T) {
	t.Parallel()

	got, err := ParseCandidates(" openai/gpt-4o-mini , gemini/gemini-2.0-flash ,")
	if err != nil {
		t.Fatalf("ParseCandidates() error = %v", err)
	}
	want := []contractx.ModelCandidate{
		{Provider: "openai", Model: "gpt-4o-mini"},
		{Provider: "gemini", Model: "gemini-2.0-flash"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if _, err := ParseCandidates("no-slash"); err == nil {
		t.Fatal("expected error for malformed entry")
	}
	if _, err := ParseCandidates("  ,  "); err == nil {
		t.Fatal("expected error for empty chain")
	}
}
