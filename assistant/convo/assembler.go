// Package convo merges dialogue history, business facts and tool results
// into one bounded, provider-agnostic message list for a single turn.
package convo

import (
	"encoding/json"
	"strings"

	contractx "github.com/tiendabot/tiendabot/assistant/contract"
)

const defaultBudgetChars = 12000

type AssemblerConfig struct {
	// Maximum total characters across assembled message contents.
	BudgetChars int `envconfig:"CONTEXT_BUDGET_CHARS" split_words:"true" default:"12000"`
}

// Assembler owns the message list for the duration of one turn. It is
// stateless between turns and safe to share across concurrent units of work.
type Assembler struct {
	budget int
}

func NewAssembler(cfg AssemblerConfig) *Assembler {
	budget := cfg.BudgetChars
	if budget <= 0 {
		budget = defaultBudgetChars
	}
	return &Assembler{budget: budget}
}

// Assemble produces: [facts?] + history + [tool results]. When the result
// exceeds the budget, the oldest history turns are dropped first; the latest
// user message and the injected facts are never dropped.
func (a *Assembler) Assemble(history []contractx.Message, facts string, toolResults []contractx.ToolResult) []contractx.Message {
	var head []contractx.Message
	facts = strings.TrimSpace(facts)
	if facts != "" {
		head = append(head, contractx.Message{
			Role:    contractx.RoleSystem,
			Content: "[INFORMACIÓN DE LA BASE DE DATOS]\n" + facts,
		})
	}

	var tail []contractx.Message
	for _, tr := range toolResults {
		tail = append(tail, toolMessage(tr))
	}

	// The latest user message is pinned; everything before it is droppable.
	pinFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == contractx.RoleUser {
			pinFrom = i
			break
		}
	}

	fixed := size(head) + size(history[pinFrom:]) + size(tail)
	droppable := history[:pinFrom]
	for len(droppable) > 0 && fixed+size(droppable) > a.budget {
		droppable = droppable[1:]
	}

	out := make([]contractx.Message, 0, len(head)+len(droppable)+(len(history)-pinFrom)+len(tail))
	out = append(out, head...)
	out = append(out, droppable...)
	out = append(out, history[pinFrom:]...)
	out = append(out, tail...)
	return out
}

func toolMessage(tr contractx.ToolResult) contractx.Message {
	content := tr.Payload
	if !tr.OK {
		encoded, err := json.Marshal(map[string]string{
			"error": tr.Error,
			"kind":  tr.ErrorKind,
		})
		if err == nil {
			content = string(encoded)
		} else {
			content = tr.Error
		}
	}
	return contractx.Message{
		Role:       contractx.RoleTool,
		Content:    content,
		ToolCallID: tr.CallID,
	}
}

func size(messages []contractx.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}
