package llm

import (
	"context"

	"github.com/Rrens/llm-relay/internal/domain"
)

// Capabilities describes what a model accepts. The orchestrator branches on
// these flags, never on model-id patterns.
type Capabilities struct {
	Tools           bool `json:"tools"`
	Images          bool `json:"images"`
	Audio           bool `json:"audio"`
	SystemRole      bool `json:"system_role"`
	Reasoning       bool `json:"reasoning"`
	ImageGeneration bool `json:"image_generation"`
}

// Model is one entry of an adapter's static model table
type Model struct {
	ID           string       `json:"id"`
	Capabilities Capabilities `json:"capabilities"`
}

// Credentials are the secrets and endpoint used to build a backend client
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Client is the backend handle returned by CreateClient. Adapters type-assert
// their own handle back in SendRequest.
type Client interface {
	Provider() string
}

// UserTurn is the raw user input before an adapter formats it
type UserTurn struct {
	Text  string
	Image *domain.Attachment
	Audio *domain.Attachment
}

// Request is a normalized model request
type Request struct {
	Model    string
	Messages []domain.Message
	Tools    []domain.ToolDefinition
}

// FinishReason normalizes backend stop reasons
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// StatusOK is the status reported for a successful backend exchange
const StatusOK = "200"

// ErrorBody is the error object carried in a failed response body
type ErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ResponseBody is the normalized content of a backend response
type ResponseBody struct {
	Text         string            `json:"text,omitempty"`
	ToolCalls    []domain.ToolCall `json:"tool_calls,omitempty"`
	FinishReason FinishReason      `json:"finish_reason,omitempty"`
	Usage        domain.TokenUsage `json:"usage"`
	Media        *domain.MediaRef  `json:"media,omitempty"`
	Error        *ErrorBody        `json:"error,omitempty"`
}

// Response pairs a string status code with a normalized body
type Response struct {
	Status string
	Body   ResponseBody
}

// WantsTools reports whether the model asked for tool execution
func (r *Response) WantsTools() bool {
	return r != nil && r.Body.FinishReason == FinishToolCalls && len(r.Body.ToolCalls) > 0
}

// ErrorResponse builds a failed response with the given status
func ErrorResponse(status, code, message string) *Response {
	return &Response{
		Status: status,
		Body: ResponseBody{
			FinishReason: FinishError,
			Error:        &ErrorBody{Code: code, Message: message},
		},
	}
}

// Provider defines the interface for LLM backend adapters
type Provider interface {
	// Name returns the provider identifier
	Name() string

	// Models returns the static model table served by this adapter
	Models() []Model

	// Capabilities returns the flags of model, or the adapter's defaults
	// when the model is not in its table
	Capabilities(model string) Capabilities

	// CreateClient builds the backend handle
	CreateClient(creds Credentials) (Client, error)

	// SystemPrompt returns the system turn for model, or nil when the
	// backend forbids system turns
	SystemPrompt(model, language string, prompts PromptTable) *domain.Message

	// FormatUserTurn converts raw input, dropping attachments the model cannot
	// accept and reporting each drop as a warning
	FormatUserTurn(turn UserTurn, model string) ([]domain.Message, []string)

	// SendRequest issues the request. Backend failures are reported in the
	// body; only unexpected failures return an error.
	SendRequest(ctx context.Context, client Client, req Request) (*Response, error)
}

// LookupModel finds id in models
func LookupModel(models []Model, id string) (Model, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}
