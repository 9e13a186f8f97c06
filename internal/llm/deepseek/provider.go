package deepseek

import (
	"github.com/Rrens/llm-relay/internal/llm"
	"github.com/Rrens/llm-relay/internal/llm/openai"
)

const defaultBaseURL = "https://api.deepseek.com/v1"

// NewProvider creates a DeepSeek provider. DeepSeek speaks the OpenAI chat
// completions protocol; deepseek-reasoner is reasoning-only.
func NewProvider() *openai.Provider {
	chat := llm.Capabilities{Tools: true, SystemRole: true}
	return openai.NewCompatibleProvider("deepseek", defaultBaseURL, []llm.Model{
		{ID: "deepseek-chat", Capabilities: chat},
		{ID: "deepseek-coder", Capabilities: chat},
		{ID: "deepseek-reasoner", Capabilities: llm.Capabilities{Reasoning: true}},
	}, chat)
}
