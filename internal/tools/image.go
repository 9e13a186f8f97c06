package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	gopenai "github.com/sashabaranov/go-openai"
)

// ImageConfig configures image generation
type ImageConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Size    string
}

// ImageGenerator creates images through the OpenAI images API
type ImageGenerator struct {
	client *gopenai.Client
	model  string
	size   string
}

// NewImageGenerator creates a new image generator
func NewImageGenerator(cfg ImageConfig) *ImageGenerator {
	clientCfg := gopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}

	model := cfg.Model
	if model == "" {
		model = gopenai.CreateImageModelDallE3
	}
	size := cfg.Size
	if size == "" {
		size = gopenai.CreateImageSize1024x1024
	}

	return &ImageGenerator{
		client: gopenai.NewClientWithConfig(clientCfg),
		model:  model,
		size:   size,
	}
}

// Tool returns the registry entry
func (g *ImageGenerator) Tool() Tool {
	return Tool{
		Definition: domain.ToolDefinition{
			Name:        NameGenerateImage,
			Description: "Generate an image from a text description. Only use it when the user asks for an image.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "A detailed description of the image",
					},
				},
				"required": []string{"prompt"},
			},
		},
		Handler:  g.handle,
		ReadOnly: false,
	}
}

func (g *ImageGenerator) handle(ctx context.Context, args json.RawMessage) (*Output, error) {
	var in struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	req := gopenai.ImageRequest{
		Prompt: in.Prompt,
		Model:  g.model,
		N:      1,
		Size:   g.size,
	}
	if g.model == gopenai.CreateImageModelDallE3 || g.model == gopenai.CreateImageModelDallE2 {
		req.ResponseFormat = gopenai.CreateImageResponseFormatURL
	}

	resp, err := g.client.CreateImage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("image generation failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("image generation returned no data")
	}

	imageURL := resp.Data[0].URL
	if imageURL == "" && resp.Data[0].B64JSON != "" {
		imageURL = "data:image/png;base64," + resp.Data[0].B64JSON
	}
	if imageURL == "" {
		return nil, fmt.Errorf("image generation returned no image")
	}

	data := map[string]any{"status": "completed", "prompt": in.Prompt}
	if !strings.HasPrefix(imageURL, "data:") {
		data["url"] = imageURL
	}
	if resp.Data[0].RevisedPrompt != "" {
		data["revised_prompt"] = resp.Data[0].RevisedPrompt
	}

	return &Output{
		Data:  data,
		Media: &domain.MediaRef{Type: domain.MediaImage, URL: imageURL, Prompt: in.Prompt},
	}, nil
}
