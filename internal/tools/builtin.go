package tools

import (
	"time"

	"github.com/Rrens/llm-relay/internal/config"
	"github.com/Rrens/llm-relay/internal/metrics"
	"github.com/rs/zerolog/log"
)

// NewDefaultRegistry builds a registry with every configured built-in tool.
// Tools whose backend is not configured are left out. cache may be nil.
func NewDefaultRegistry(cfg *config.Config, m *metrics.Metrics, cache SearchCache) *Registry {
	r := NewRegistry(cfg.Tools.Concurrency, m)

	must := func(t Tool) {
		if err := r.Register(t); err != nil {
			log.Fatal().Err(err).Str("tool", t.Definition.Name).Msg("failed to register tool")
		}
	}

	if cfg.Tools.Search.BraveAPIKey != "" {
		search := NewWebSearch(SearchConfig{
			APIKey:     cfg.Tools.Search.BraveAPIKey,
			BaseURL:    cfg.Tools.Search.BaseURL,
			MaxResults: cfg.Tools.Search.MaxResults,
			Timeout:    cfg.Tools.Search.Timeout,
		}).WithCache(cache)
		must(search.Tool())
	} else {
		log.Warn().Msg("brave API key not set, webSearch disabled")
	}

	must(NewExtractor(cfg.Tools.Search.Timeout, defaultMaxChars).Tool())

	if cfg.LLM.OpenAI.APIKey != "" {
		image := NewImageGenerator(ImageConfig{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.Tools.Image.Model,
			Size:    cfg.Tools.Image.Size,
		})
		must(image.Tool())
	}

	if cfg.Tools.Video.BaseURL != "" {
		video := NewVideoGenerator(VideoConfig{
			APIKey:       cfg.Tools.Video.APIKey,
			BaseURL:      cfg.Tools.Video.BaseURL,
			Model:        cfg.Tools.Video.Model,
			MaxPolls:     cfg.Tools.Video.MaxPolls,
			PollInterval: cfg.Tools.Video.PollInterval,
		})
		tool := video.Tool()
		tool.Timeout = time.Duration(cfg.Tools.Video.MaxPolls+2) * cfg.Tools.Video.PollInterval
		must(tool)
	}

	return r
}
