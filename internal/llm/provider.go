package llm

import "context"

// Message is one turn in a chat exchange with the model.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// Provider is a single-shot chat completion backend. The orchestrator sends
// the system prompt plus the seeded/live history as msgs and expects one
// assistant reply back — no tool calls, no streaming, no compaction. model,
// temperature, and maxTokens come from the resolved config.LLMConfig on
// every call so per-deployment tuning never needs a code change.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, model string, temperature float64, maxTokens int) (Message, error)
}
