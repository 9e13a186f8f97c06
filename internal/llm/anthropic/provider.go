package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/llm"
	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

var claudeCaps = llm.Capabilities{Tools: true, Images: true, SystemRole: true}

// Provider implements llm.Provider for Anthropic
type Provider struct {
	maxTokens int64
}

// NewProvider creates a new Anthropic provider
func NewProvider() *Provider {
	return &Provider{maxTokens: defaultMaxTokens}
}

// Name returns the provider identifier
func (p *Provider) Name() string {
	return "anthropic"
}

// Models returns the static model table
func (p *Provider) Models() []llm.Model {
	return []llm.Model{
		{ID: "claude-sonnet-4-20250514", Capabilities: claudeCaps},
		{ID: "claude-3-7-sonnet-20250219", Capabilities: claudeCaps},
		{ID: "claude-3-5-sonnet-20241022", Capabilities: claudeCaps},
		{ID: "claude-3-5-haiku-20241022", Capabilities: claudeCaps},
		{ID: "claude-3-opus-20240229", Capabilities: claudeCaps},
	}
}

// Capabilities returns the flags of model
func (p *Provider) Capabilities(model string) llm.Capabilities {
	if m, ok := llm.LookupModel(p.Models(), model); ok {
		return m.Capabilities
	}
	return claudeCaps
}

type client struct {
	api sdk.Client
}

func (c *client) Provider() string {
	return "anthropic"
}

// CreateClient builds an Anthropic SDK client
func (p *Provider) CreateClient(creds llm.Credentials) (llm.Client, error) {
	if creds.APIKey == "" {
		return nil, fmt.Errorf("anthropic provider is not configured (missing API key)")
	}
	opts := []option.RequestOption{option.WithAPIKey(creds.APIKey)}
	if strings.TrimSpace(creds.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}
	return &client{api: sdk.NewClient(opts...)}, nil
}

// SystemPrompt returns the system turn; it is lifted into the request's
// system field when sent
func (p *Provider) SystemPrompt(model, language string, prompts llm.PromptTable) *domain.Message {
	return llm.SystemMessage(p.Capabilities(model), model, language, prompts)
}

// FormatUserTurn converts a raw user turn
func (p *Provider) FormatUserTurn(turn llm.UserTurn, model string) ([]domain.Message, []string) {
	return llm.FormatUserTurn(turn, model, p.Capabilities(model))
}

// SendRequest issues a Messages API request
func (p *Provider) SendRequest(ctx context.Context, c llm.Client, req llm.Request) (*llm.Response, error) {
	cl, ok := c.(*client)
	if !ok {
		return nil, fmt.Errorf("anthropic: unexpected client type %T", c)
	}

	system, messages, err := convertMessages(req.Messages)
	if err != nil {
		return llm.ErrorResponse("400", "invalid_request", err.Error()), nil
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		Messages:  messages,
		MaxTokens: p.maxTokens,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 && p.Capabilities(req.Model).Tools {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return llm.ErrorResponse("400", "invalid_tools", err.Error()), nil
		}
		params.Tools = tools
	}

	msg, err := cl.api.Messages.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return llm.ErrorResponse(strconv.Itoa(apiErr.StatusCode), "api_error", apiErr.Error()), nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return llm.ErrorResponse("504", "timeout", err.Error()), nil
		}
		return llm.ErrorResponse("transport", "transport_error", err.Error()), nil
	}

	body := llm.ResponseBody{
		FinishReason: llm.FinishStop,
		Usage: domain.TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			body.ToolCalls = append(body.ToolCalls, domain.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	body.Text = text.String()

	switch {
	case msg.StopReason == sdk.StopReasonToolUse, len(body.ToolCalls) > 0:
		body.FinishReason = llm.FinishToolCalls
	case msg.StopReason == sdk.StopReasonMaxTokens:
		body.FinishReason = llm.FinishLength
	}

	return &llm.Response{Status: llm.StatusOK, Body: body}, nil
}

// convertMessages lifts system turns out and groups consecutive tool results
// into one user message, as the Messages API requires
func convertMessages(msgs []domain.Message) (string, []sdk.MessageParam, error) {
	var system []string
	var out []sdk.MessageParam
	var pendingResults []sdk.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, sdk.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Text())

		case domain.RoleTool:
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))

		case domain.RoleAssistant:
			flush()
			var blocks []sdk.ContentBlockParamUnion
			if text := m.Text(); text != "" {
				blocks = append(blocks, sdk.NewTextBlock(text))
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return "", nil, fmt.Errorf("invalid tool call input: %w", err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}

		default:
			flush()
			blocks := userBlocks(m)
			if len(blocks) > 0 {
				out = append(out, sdk.NewUserMessage(blocks...))
			}
		}
	}
	flush()

	return strings.Join(system, "\n\n"), out, nil
}

func userBlocks(m domain.Message) []sdk.ContentBlockParamUnion {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(m.Content)}
	}

	var blocks []sdk.ContentBlockParamUnion
	for _, part := range m.Parts {
		switch part.Type {
		case domain.PartText:
			if part.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(part.Text))
			}
		case domain.PartImage:
			if img := imageBlock(part); img != nil {
				blocks = append(blocks, sdk.ContentBlockParamUnion{OfImage: img})
			}
		}
	}
	return blocks
}

func imageBlock(part domain.ContentPart) *sdk.ImageBlockParam {
	if len(part.Data) > 0 {
		mt, ok := mediaType(part.MIMEType)
		if !ok {
			return nil
		}
		return &sdk.ImageBlockParam{
			Source: sdk.ImageBlockParamSourceUnion{
				OfBase64: &sdk.Base64ImageSourceParam{
					Data:      base64.StdEncoding.EncodeToString(part.Data),
					MediaType: mt,
				},
			},
		}
	}
	if part.URL != "" {
		return &sdk.ImageBlockParam{
			Source: sdk.ImageBlockParamSourceUnion{
				OfURL: &sdk.URLImageSourceParam{URL: part.URL},
			},
		}
	}
	return nil
}

func mediaType(mime string) (sdk.Base64ImageSourceMediaType, bool) {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return sdk.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return sdk.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return sdk.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return sdk.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

func convertTools(defs []domain.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		raw, err := json.Marshal(d.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", d.Name, err)
		}
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", d.Name, err)
		}

		param := sdk.ToolUnionParamOfTool(schema, d.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", d.Name)
		}
		param.OfTool.Description = sdk.String(d.Description)
		out = append(out, param)
	}
	return out, nil
}
