package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/llm"
	gopenai "github.com/sashabaranov/go-openai"
)

const defaultBaseURL = "https://api.openai.com/v1"

var chatCaps = llm.Capabilities{Tools: true, Images: true, SystemRole: true}

// Provider implements llm.Provider for OpenAI and OpenAI-compatible backends
type Provider struct {
	name           string
	models         []llm.Model
	defaults       llm.Capabilities
	defaultBaseURL string
	timeout        time.Duration
	imageSize      string
}

// NewProvider creates a new OpenAI provider
func NewProvider() *Provider {
	return &Provider{
		name: "openai",
		models: []llm.Model{
			{ID: "gpt-4o", Capabilities: chatCaps},
			{ID: "gpt-4o-mini", Capabilities: chatCaps},
			{ID: "gpt-4.1", Capabilities: chatCaps},
			{ID: "gpt-4.1-mini", Capabilities: chatCaps},
			{ID: "gpt-4-turbo", Capabilities: chatCaps},
			{ID: "gpt-3.5-turbo", Capabilities: llm.Capabilities{Tools: true, SystemRole: true}},
			{ID: "o1-mini", Capabilities: llm.Capabilities{Reasoning: true}},
			{ID: "dall-e-3", Capabilities: llm.Capabilities{ImageGeneration: true}},
			{ID: "gpt-image-1", Capabilities: llm.Capabilities{ImageGeneration: true}},
		},
		defaults:       chatCaps,
		defaultBaseURL: defaultBaseURL,
		timeout:        120 * time.Second,
		imageSize:      gopenai.CreateImageSize1024x1024,
	}
}

// NewCompatibleProvider creates a provider for a backend that speaks the
// OpenAI chat completions protocol
func NewCompatibleProvider(name, baseURL string, models []llm.Model, defaults llm.Capabilities) *Provider {
	return &Provider{
		name:           name,
		models:         models,
		defaults:       defaults,
		defaultBaseURL: baseURL,
		timeout:        120 * time.Second,
		imageSize:      gopenai.CreateImageSize1024x1024,
	}
}

// Name returns the provider identifier
func (p *Provider) Name() string {
	return p.name
}

// Models returns the static model table
func (p *Provider) Models() []llm.Model {
	return p.models
}

// Capabilities returns the flags of model
func (p *Provider) Capabilities(model string) llm.Capabilities {
	if m, ok := llm.LookupModel(p.models, model); ok {
		return m.Capabilities
	}
	return p.defaults
}

type client struct {
	provider string
	api      *gopenai.Client
}

func (c *client) Provider() string {
	return c.provider
}

// CreateClient builds a go-openai client
func (p *Provider) CreateClient(creds llm.Credentials) (llm.Client, error) {
	if creds.APIKey == "" {
		return nil, fmt.Errorf("%s provider is not configured (missing API key)", p.name)
	}
	cfg := gopenai.DefaultConfig(creds.APIKey)
	cfg.BaseURL = p.defaultBaseURL
	if creds.BaseURL != "" {
		cfg.BaseURL = creds.BaseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: p.timeout}

	return &client{provider: p.name, api: gopenai.NewClientWithConfig(cfg)}, nil
}

// SystemPrompt returns the system turn, nil for models without a system role
func (p *Provider) SystemPrompt(model, language string, prompts llm.PromptTable) *domain.Message {
	return llm.SystemMessage(p.Capabilities(model), model, language, prompts)
}

// FormatUserTurn converts a raw user turn
func (p *Provider) FormatUserTurn(turn llm.UserTurn, model string) ([]domain.Message, []string) {
	return llm.FormatUserTurn(turn, model, p.Capabilities(model))
}

// SendRequest issues a chat completion, or an image generation for image models
func (p *Provider) SendRequest(ctx context.Context, c llm.Client, req llm.Request) (*llm.Response, error) {
	cl, ok := c.(*client)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected client type %T", p.name, c)
	}

	if p.Capabilities(req.Model).ImageGeneration {
		return p.generateImage(ctx, cl, req)
	}

	chatReq := gopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: ConvertMessages(req.Messages),
	}
	if len(req.Tools) > 0 && p.Capabilities(req.Model).Tools {
		chatReq.Tools = ConvertTools(req.Tools)
	}

	resp, err := cl.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return errorResponse(err), nil
	}

	if len(resp.Choices) == 0 {
		return llm.ErrorResponse("502", "empty_response", fmt.Sprintf("no response from %s", p.name)), nil
	}

	return ConvertResponse(resp), nil
}

func (p *Provider) generateImage(ctx context.Context, cl *client, req llm.Request) (*llm.Response, error) {
	prompt := llm.LastUserText(req.Messages)
	if prompt == "" {
		return llm.ErrorResponse("400", "empty_prompt", "image generation needs a text prompt"), nil
	}

	imgReq := gopenai.ImageRequest{
		Prompt: prompt,
		Model:  req.Model,
		N:      1,
		Size:   p.imageSize,
	}
	if req.Model == gopenai.CreateImageModelDallE3 {
		imgReq.ResponseFormat = gopenai.CreateImageResponseFormatURL
	}

	resp, err := cl.api.CreateImage(ctx, imgReq)
	if err != nil {
		return errorResponse(err), nil
	}
	if len(resp.Data) == 0 {
		return llm.ErrorResponse("502", "empty_response", "no image returned"), nil
	}

	url := resp.Data[0].URL
	if url == "" && resp.Data[0].B64JSON != "" {
		url = "data:image/png;base64," + resp.Data[0].B64JSON
	}

	return &llm.Response{
		Status: llm.StatusOK,
		Body: llm.ResponseBody{
			Text:         resp.Data[0].RevisedPrompt,
			FinishReason: llm.FinishStop,
			Media:        &domain.MediaRef{Type: domain.MediaImage, URL: url, Prompt: prompt},
		},
	}, nil
}

// ConvertMessages converts generic messages to the chat completions format
func ConvertMessages(msgs []domain.Message) []gopenai.ChatCompletionMessage {
	out := make([]gopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := gopenai.ChatCompletionMessage{Role: string(m.Role)}

		switch m.Role {
		case domain.RoleTool:
			msg.Content = m.Content
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		case domain.RoleAssistant:
			msg.Content = m.Text()
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, gopenai.ToolCall{
					ID:   tc.ID,
					Type: gopenai.ToolTypeFunction,
					Function: gopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		default:
			if len(m.Parts) == 0 {
				msg.Content = m.Content
				break
			}
			for _, part := range m.Parts {
				switch part.Type {
				case domain.PartText:
					msg.MultiContent = append(msg.MultiContent, gopenai.ChatMessagePart{
						Type: gopenai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				case domain.PartImage:
					msg.MultiContent = append(msg.MultiContent, gopenai.ChatMessagePart{
						Type: gopenai.ChatMessagePartTypeImageURL,
						ImageURL: &gopenai.ChatMessageImageURL{
							URL:    llm.DataURL(part),
							Detail: gopenai.ImageURLDetailAuto,
						},
					})
				}
			}
		}

		out = append(out, msg)
	}
	return out
}

// ConvertTools converts tool definitions to function tools
func ConvertTools(defs []domain.ToolDefinition) []gopenai.Tool {
	out := make([]gopenai.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, gopenai.Tool{
			Type: gopenai.ToolTypeFunction,
			Function: &gopenai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

// ConvertResponse normalizes the first choice of a chat completion
func ConvertResponse(resp gopenai.ChatCompletionResponse) *llm.Response {
	choice := resp.Choices[0]

	body := llm.ResponseBody{
		Text: choice.Message.Content,
		Usage: domain.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		body.ToolCalls = append(body.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}

	switch {
	case choice.FinishReason == gopenai.FinishReasonToolCalls, len(body.ToolCalls) > 0:
		body.FinishReason = llm.FinishToolCalls
	case choice.FinishReason == gopenai.FinishReasonLength:
		body.FinishReason = llm.FinishLength
	default:
		body.FinishReason = llm.FinishStop
	}

	return &llm.Response{Status: llm.StatusOK, Body: body}
}

func errorResponse(err error) *llm.Response {
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Type
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		return llm.ErrorResponse(strconv.Itoa(apiErr.HTTPStatusCode), code, apiErr.Message)
	}

	var reqErr *gopenai.RequestError
	if errors.As(err, &reqErr) {
		return llm.ErrorResponse(strconv.Itoa(reqErr.HTTPStatusCode), "request_error", reqErr.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return llm.ErrorResponse("504", "timeout", err.Error())
	}

	return llm.ErrorResponse("transport", "transport_error", err.Error())
}
