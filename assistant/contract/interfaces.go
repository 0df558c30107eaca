package contract

import "context"

// Resolver maps an intent category to an existing database view name, or
// returns ErrResolutionNotFound.
type Resolver interface {
	Resolve(ctx context.Context, category IntentCategory) (string, error)
}

// Executor runs a bounded, parameterized query against a resolved view.
type Executor interface {
	Query(ctx context.Context, view string, filter QueryFilter) ([]ResultRow, error)
}

// ToolBridge performs one at-most-once tool invocation. Failures come back as
// typed results, not errors, so the conversation can continue.
type ToolBridge interface {
	Invoke(ctx context.Context, name string, args map[string]any) (ToolResult, error)
}

// Provider is one model backend. Implementations must be safe for concurrent
// use and must map provider failures onto the contract sentinels using
// structured status signals only.
type Provider interface {
	Name() string
	// CredentialKey identifies the credential behind this provider so the
	// engine can skip candidates that would fail with the same rejection.
	CredentialKey() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Invoker runs an assembled conversation through the model candidate chain.
type Invoker interface {
	Invoke(ctx context.Context, messages []Message) (string, error)
}
