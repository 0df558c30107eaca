package contract

// IntentCategory is a coarse classification of what kind of business data an
// inbound message is asking about. Recomputed per message, never stored.
type IntentCategory string

const (
	IntentProducts        IntentCategory = "products"
	IntentOrders          IntentCategory = "orders"
	IntentStock           IntentCategory = "stock"
	IntentCustomers       IntentCategory = "customers"
	IntentSalesReport     IntentCategory = "sales-report"
	IntentMarketingReport IntentCategory = "marketing-report"
	IntentFinanceReport   IntentCategory = "finance-report"
	IntentAnalytics       IntentCategory = "analytics"
	IntentGeneral         IntentCategory = "general"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the provider-agnostic conversation. ToolCalls is set
// on assistant messages that requested tools; ToolCallID ties a tool message
// back to the request it answers.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`

	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolParam describes one parameter of a tool in a minimal JSON-schema form.
type ToolParam struct {
	Type        string `json:"type"` // "string" | "number" | "integer" | "boolean"
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ToolSpec is registered once per process at startup and shared read-only.
type ToolSpec struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Params      map[string]ToolParam `json:"params,omitempty"`
}

// ToolResult is the outcome of one bridge invocation. It is appended to the
// conversation whether or not the call succeeded, so the model can react.
type ToolResult struct {
	Tool      string         `json:"tool"`
	CallID    string         `json:"call_id,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	OK        bool           `json:"ok"`
	Payload   string         `json:"payload,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ModelCandidate is one (provider, model) entry of the immutable fallback
// chain. Entries are tried strictly in configured order.
type ModelCandidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ResultRow is one row of a view query: column order plus a name → value
// mapping. Values keep driver types; SQL NULL stays nil.
type ResultRow struct {
	Columns []string
	Values  map[string]any
}

// QueryFilter narrows a view query. Equals entries become parameterized
// equality predicates; OrderBy must name a view column. Limit may lower, but
// never raise, the executor's row ceiling.
type QueryFilter struct {
	Equals     map[string]any
	OrderBy    string
	Descending bool
	Limit      int
}

// ChatRequest is the provider-agnostic model invocation payload.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float32
	MaxTokens   int
}

// ChatResponse carries either final answer text or requested tool calls.
type ChatResponse struct {
	Text      string
	ToolCalls []ToolCall
}
