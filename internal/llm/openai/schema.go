package openai

import (
	sdk "github.com/openai/openai-go/v2"

	"manifold/internal/llm"
)

// adaptMessages converts portable llm.Message history to OpenAI SDK message params.
func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "user":
			out = append(out, sdk.UserMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		}
	}
	return out
}
