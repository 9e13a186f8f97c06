package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/llm"
	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var multimodal = llm.Capabilities{Tools: true, Images: true, Audio: true, SystemRole: true}

// Provider implements llm.Provider for Google Gemini
type Provider struct{}

// NewProvider creates a new Gemini provider
func NewProvider() *Provider {
	return &Provider{}
}

// Name returns the provider identifier
func (p *Provider) Name() string {
	return "gemini"
}

// Models returns the static model table
func (p *Provider) Models() []llm.Model {
	return []llm.Model{
		{ID: "gemini-2.5-flash", Capabilities: multimodal},
		{ID: "gemini-2.5-pro", Capabilities: multimodal},
		{ID: "gemini-1.5-flash", Capabilities: multimodal},
		{ID: "gemini-1.5-pro", Capabilities: multimodal},
		{ID: "gemini-1.0-pro", Capabilities: llm.Capabilities{Tools: true}},
	}
}

// Capabilities returns the flags of model
func (p *Provider) Capabilities(model string) llm.Capabilities {
	if m, ok := llm.LookupModel(p.Models(), model); ok {
		return m.Capabilities
	}
	return multimodal
}

type client struct {
	api *genai.Client
}

func (c *client) Provider() string {
	return "gemini"
}

// CreateClient builds a genai client. The client lives for the process.
func (p *Provider) CreateClient(creds llm.Credentials) (llm.Client, error) {
	if creds.APIKey == "" {
		return nil, fmt.Errorf("gemini provider is not configured (missing API key)")
	}
	opts := []option.ClientOption{option.WithAPIKey(creds.APIKey)}
	if creds.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(creds.BaseURL))
	}

	api, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &client{api: api}, nil
}

// SystemPrompt returns the system turn, used as the system instruction
func (p *Provider) SystemPrompt(model, language string, prompts llm.PromptTable) *domain.Message {
	return llm.SystemMessage(p.Capabilities(model), model, language, prompts)
}

// FormatUserTurn converts a raw user turn
func (p *Provider) FormatUserTurn(turn llm.UserTurn, model string) ([]domain.Message, []string) {
	return llm.FormatUserTurn(turn, model, p.Capabilities(model))
}

// SendRequest replays the history into a chat session and sends the last turn
func (p *Provider) SendRequest(ctx context.Context, c llm.Client, req llm.Request) (*llm.Response, error) {
	cl, ok := c.(*client)
	if !ok {
		return nil, fmt.Errorf("gemini: unexpected client type %T", c)
	}

	system, contents, err := ConvertMessages(req.Messages)
	if err != nil {
		return llm.ErrorResponse("400", "invalid_request", err.Error()), nil
	}
	if len(contents) == 0 {
		return llm.ErrorResponse("400", "empty_request", "no content to send"), nil
	}

	model := cl.api.GenerativeModel(req.Model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(req.Tools) > 0 && p.Capabilities(req.Model).Tools {
		model.Tools = ConvertTools(req.Tools)
	}

	cs := model.StartChat()
	cs.History = contents[:len(contents)-1]
	last := contents[len(contents)-1]

	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return errorResponse(err), nil
	}

	return ConvertResponse(resp), nil
}

// ConvertMessages maps generic messages to genai contents. System turns are
// returned separately; consecutive tool results share one content.
func ConvertMessages(msgs []domain.Message) (string, []*genai.Content, error) {
	var system []string
	var out []*genai.Content

	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Text())

		case domain.RoleTool:
			part := genai.FunctionResponse{Name: m.Name, Response: toolResponse(m.Content)}
			if n := len(out); n > 0 && out[n-1].Role == "user" && isFunctionResponse(out[n-1]) {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{part}})

		case domain.RoleAssistant:
			content := &genai.Content{Role: "model"}
			if text := m.Text(); text != "" {
				content.Parts = append(content.Parts, genai.Text(text))
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return "", nil, fmt.Errorf("invalid tool call arguments: %w", err)
					}
				}
				content.Parts = append(content.Parts, genai.FunctionCall{Name: tc.Name, Args: args})
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}

		default:
			if parts := userParts(m); len(parts) > 0 {
				out = append(out, &genai.Content{Role: "user", Parts: parts})
			}
		}
	}

	return strings.Join(system, "\n\n"), out, nil
}

func isFunctionResponse(c *genai.Content) bool {
	if len(c.Parts) == 0 {
		return false
	}
	_, ok := c.Parts[0].(genai.FunctionResponse)
	return ok
}

func toolResponse(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"result": content}
}

func userParts(m domain.Message) []genai.Part {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []genai.Part{genai.Text(m.Content)}
	}

	var parts []genai.Part
	for _, part := range m.Parts {
		switch part.Type {
		case domain.PartText:
			if part.Text != "" {
				parts = append(parts, genai.Text(part.Text))
			}
		case domain.PartImage, domain.PartAudio:
			switch {
			case len(part.Data) > 0:
				parts = append(parts, genai.Blob{MIMEType: part.MIMEType, Data: part.Data})
			case part.URL != "":
				parts = append(parts, genai.FileData{MIMEType: part.MIMEType, URI: part.URL})
			}
		}
	}
	return parts
}

// ConvertTools maps tool definitions to function declarations
func ConvertTools(defs []domain.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  ConvertSchema(d.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// ConvertSchema converts a JSON schema object to a genai schema
func ConvertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	switch schema["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	default:
		s.Type = genai.TypeString
	}

	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}

	if enum, ok := schema["enum"].([]any); ok {
		for _, v := range enum {
			if str, ok := v.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	} else if enum, ok := schema["enum"].([]string); ok {
		s.Enum = append(s.Enum, enum...)
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if prop, ok := raw.(map[string]any); ok {
				s.Properties[name] = ConvertSchema(prop)
			}
		}
	}

	switch req := schema["required"].(type) {
	case []string:
		s.Required = append(s.Required, req...)
	case []any:
		for _, v := range req {
			if str, ok := v.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}

	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = ConvertSchema(items)
	}

	return s
}

// ConvertResponse normalizes the first candidate. Gemini function calls carry
// no ids, so one is generated per call.
func ConvertResponse(resp *genai.GenerateContentResponse) *llm.Response {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.ErrorResponse("502", "empty_response", "no response from gemini")
	}
	cand := resp.Candidates[0]

	body := llm.ResponseBody{FinishReason: llm.FinishStop}
	if resp.UsageMetadata != nil {
		body.Usage = domain.TokenUsage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	var text strings.Builder
	for _, part := range cand.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			text.WriteString(string(v))
		case genai.FunctionCall:
			args, err := json.Marshal(v.Args)
			if err != nil || v.Args == nil {
				args = []byte("{}")
			}
			body.ToolCalls = append(body.ToolCalls, domain.ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      v.Name,
				Arguments: args,
			})
		}
	}
	body.Text = text.String()

	switch {
	case len(body.ToolCalls) > 0:
		body.FinishReason = llm.FinishToolCalls
	case cand.FinishReason == genai.FinishReasonMaxTokens:
		body.FinishReason = llm.FinishLength
	}

	return &llm.Response{Status: llm.StatusOK, Body: body}
}

func errorResponse(err error) *llm.Response {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return llm.ErrorResponse(strconv.Itoa(gerr.Code), "api_error", gerr.Message)
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return llm.ErrorResponse("400", "blocked", blocked.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return llm.ErrorResponse("504", "timeout", err.Error())
	}

	return llm.ErrorResponse("transport", "transport_error", err.Error())
}
