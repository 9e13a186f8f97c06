package domain

// ChatRequest is one top-level user turn handed to the orchestrator
type ChatRequest struct {
	UserID             string      `json:"user_id" validate:"required"`
	Prompt             string      `json:"prompt" validate:"required_without_all=Image Audio"`
	Image              *Attachment `json:"image,omitempty"`
	Audio              *Attachment `json:"audio,omitempty"`
	Model              string      `json:"model,omitempty"`
	History            []Message   `json:"history,omitempty"`
	EnableSearch       bool        `json:"enable_search"`
	EnableSystemPrompt bool        `json:"enable_system_prompt"`
	Language           string      `json:"language,omitempty"`
}

// UsageInfo is the quota and token accounting returned with a chat result
type UsageInfo struct {
	Quota  QuotaStatus `json:"quota"`
	Tokens TokenUsage  `json:"tokens"`
}

// ChatResult is the normalized outcome of a top-level call
type ChatResult struct {
	Success        bool           `json:"success"`
	OutputText     string         `json:"output_text,omitempty"`
	Model          string         `json:"model,omitempty"`
	Usage          UsageInfo      `json:"usage"`
	ToolCallsUsed  bool           `json:"tool_calls_used"`
	SearchResults  []SearchResult `json:"search_results,omitempty"`
	GeneratedMedia *MediaRef      `json:"generated_media,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	Paused         bool           `json:"paused,omitempty"`
	QuotaExceeded  bool           `json:"quota_exceeded,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Turn is a user turn inside an existing session
type Turn struct {
	Prompt string      `json:"prompt" validate:"required_without_all=Image Audio"`
	Image  *Attachment `json:"image,omitempty"`
	Audio  *Attachment `json:"audio,omitempty"`
}
