package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/rs/zerolog/log"
)

// VideoConfig configures the video generation API
type VideoConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxPolls     int
	PollInterval time.Duration
}

// VideoGenerator submits a video job and polls until it finishes
type VideoGenerator struct {
	cfg        VideoConfig
	httpClient *http.Client
}

// NewVideoGenerator creates a new video generator
func NewVideoGenerator(cfg VideoConfig) *VideoGenerator {
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 30
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &VideoGenerator{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Tool returns the registry entry
func (g *VideoGenerator) Tool() Tool {
	return Tool{
		Definition: domain.ToolDefinition{
			Name:        NameGenerateVideo,
			Description: "Generate a short video from a text description. Only use it when the user asks for a video.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "A detailed description of the video",
					},
					"duration": map[string]any{
						"type":        "integer",
						"description": "Length in seconds",
					},
				},
				"required": []string{"prompt"},
			},
		},
		Handler:  g.handle,
		ReadOnly: false,
	}
}

type videoJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url"`
	Error  string `json:"error"`
}

func (g *VideoGenerator) handle(ctx context.Context, args json.RawMessage) (*Output, error) {
	var in struct {
		Prompt   string `json:"prompt"`
		Duration int    `json:"duration"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	job, err := g.submit(ctx, in.Prompt, in.Duration)
	if err != nil {
		return nil, err
	}

	for poll := 0; poll < g.cfg.MaxPolls; poll++ {
		switch job.Status {
		case "completed", "succeeded":
			if job.URL == "" {
				return nil, fmt.Errorf("video job %s completed without a URL", job.ID)
			}
			return &Output{
				Data: map[string]any{"status": "completed", "job_id": job.ID, "url": job.URL},
				Media: &domain.MediaRef{
					Type:   domain.MediaVideo,
					URL:    job.URL,
					Prompt: in.Prompt,
				},
			}, nil
		case "failed", "error", "cancelled":
			return nil, fmt.Errorf("video job %s failed: %s", job.ID, job.Error)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return timedOut(job.ID, poll), nil
			}
			return nil, ctx.Err()
		case <-time.After(g.cfg.PollInterval):
		}

		next, err := g.status(ctx, job.ID)
		if err != nil {
			// the budget ran out mid-request
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return timedOut(job.ID, poll+1), nil
			}
			return nil, err
		}
		job = next
	}

	return timedOut(job.ID, g.cfg.MaxPolls), nil
}

// timedOut is the result of a job that did not finish within its budget.
func timedOut(jobID string, polls int) *Output {
	log.Warn().Str("job_id", jobID).Int("polls", polls).Msg("video generation timed out")
	return &Output{Data: map[string]any{"status": "timeout", "job_id": jobID}}
}

func (g *VideoGenerator) submit(ctx context.Context, prompt string, duration int) (*videoJob, error) {
	payload := map[string]any{"prompt": prompt}
	if g.cfg.Model != "" {
		payload["model"] = g.cfg.Model
	}
	if duration > 0 {
		payload["duration"] = duration
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	job, err := g.do(ctx, http.MethodPost, "/videos", body)
	if err != nil {
		return nil, fmt.Errorf("video submit failed: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("video submit returned no job id")
	}
	return job, nil
}

func (g *VideoGenerator) status(ctx context.Context, id string) (*videoJob, error) {
	job, err := g.do(ctx, http.MethodGet, "/videos/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("video status failed: %w", err)
	}
	if job.ID == "" {
		job.ID = id
	}
	return job, nil
}

func (g *VideoGenerator) do(ctx context.Context, method, path string, body []byte) (*videoJob, error) {
	if g.cfg.BaseURL == "" {
		return nil, fmt.Errorf("video API URL not configured")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("video API returned status %d: %s", resp.StatusCode, string(raw))
	}

	var job videoJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &job, nil
}
