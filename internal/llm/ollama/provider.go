package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/llm"
	"github.com/google/uuid"
)

const defaultHost = "http://localhost:11434"

var (
	toolCaps  = llm.Capabilities{Tools: true, SystemRole: true}
	plainCaps = llm.Capabilities{SystemRole: true}
)

// Provider implements llm.Provider for Ollama
type Provider struct {
	timeout time.Duration
}

// NewProvider creates a new Ollama provider
func NewProvider() *Provider {
	return &Provider{timeout: 300 * time.Second}
}

// Name returns the provider identifier
func (p *Provider) Name() string {
	return "ollama"
}

// Models returns the static model table. Tool calling is limited to the
// model families that support it.
func (p *Provider) Models() []llm.Model {
	return []llm.Model{
		{ID: "llama3.1", Capabilities: toolCaps},
		{ID: "llama3.2", Capabilities: toolCaps},
		{ID: "qwen2.5", Capabilities: toolCaps},
		{ID: "mistral", Capabilities: toolCaps},
		{ID: "llama3", Capabilities: plainCaps},
		{ID: "phi3", Capabilities: plainCaps},
		{ID: "gemma2", Capabilities: plainCaps},
		{ID: "llava", Capabilities: llm.Capabilities{Images: true, SystemRole: true}},
	}
}

// Capabilities returns the flags of model
func (p *Provider) Capabilities(model string) llm.Capabilities {
	if m, ok := llm.LookupModel(p.Models(), model); ok {
		return m.Capabilities
	}
	return plainCaps
}

type client struct {
	host string
	http *http.Client
}

func (c *client) Provider() string {
	return "ollama"
}

// CreateClient builds an HTTP client for the Ollama host. No API key is needed.
func (p *Provider) CreateClient(creds llm.Credentials) (llm.Client, error) {
	host := strings.TrimRight(creds.BaseURL, "/")
	if host == "" {
		host = defaultHost
	}
	return &client{host: host, http: &http.Client{Timeout: p.timeout}}, nil
}

// SystemPrompt returns the system turn
func (p *Provider) SystemPrompt(model, language string, prompts llm.PromptTable) *domain.Message {
	return llm.SystemMessage(p.Capabilities(model), model, language, prompts)
}

// FormatUserTurn converts a raw user turn
func (p *Provider) FormatUserTurn(turn llm.UserTurn, model string) ([]domain.Message, []string) {
	return llm.FormatUserTurn(turn, model, p.Capabilities(model))
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Images    []string   `json:"images,omitempty"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

type toolCall struct {
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolSpec struct {
	Type     string         `json:"type"`
	Function toolDefinition `json:"function"`
}

type toolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []toolSpec    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

// SendRequest posts to /api/chat
func (p *Provider) SendRequest(ctx context.Context, c llm.Client, req llm.Request) (*llm.Response, error) {
	cl, ok := c.(*client)
	if !ok {
		return nil, fmt.Errorf("ollama: unexpected client type %T", c)
	}

	chatReq := chatRequest{
		Model:    req.Model,
		Messages: convertMessages(req.Messages),
		Stream:   false,
	}
	if len(req.Tools) > 0 && p.Capabilities(req.Model).Tools {
		for _, d := range req.Tools {
			chatReq.Tools = append(chatReq.Tools, toolSpec{
				Type:     "function",
				Function: toolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters},
			})
		}
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cl.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := cl.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return llm.ErrorResponse("504", "timeout", err.Error()), nil
		}
		return llm.ErrorResponse("transport", "transport_error", err.Error()), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.ErrorResponse("transport", "read_error", err.Error()), nil
	}

	var out chatResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if decodeErr != nil || msg == "" {
			msg = fmt.Sprintf("ollama returned status %d", resp.StatusCode)
		}
		return llm.ErrorResponse(strconv.Itoa(resp.StatusCode), "api_error", msg), nil
	}
	if decodeErr != nil {
		return llm.ErrorResponse("502", "decode_error", decodeErr.Error()), nil
	}

	result := llm.ResponseBody{
		Text:         out.Message.Content,
		FinishReason: llm.FinishStop,
		Usage: domain.TokenUsage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
	}
	for _, tc := range out.Message.ToolCalls {
		args := tc.Function.Arguments
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage("{}")
		}
		result.ToolCalls = append(result.ToolCalls, domain.ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	switch {
	case len(result.ToolCalls) > 0:
		result.FinishReason = llm.FinishToolCalls
	case out.DoneReason == "length":
		result.FinishReason = llm.FinishLength
	}

	return &llm.Response{Status: llm.StatusOK, Body: result}, nil
}

func convertMessages(msgs []domain.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := chatMessage{Role: string(m.Role), Content: m.Text()}

		switch m.Role {
		case domain.RoleTool:
			msg.Content = m.Content
			msg.ToolName = m.Name
		case domain.RoleAssistant:
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, toolCall{Function: toolFunction{Name: tc.Name, Arguments: args}})
			}
		default:
			for _, part := range m.Parts {
				if part.Type == domain.PartImage && len(part.Data) > 0 {
					msg.Images = append(msg.Images, base64.StdEncoding.EncodeToString(part.Data))
				}
			}
		}

		out = append(out, msg)
	}
	return out
}
