package main

import (
	"github.com/Rrens/llm-relay/internal/config"
	"github.com/Rrens/llm-relay/internal/llm"
	"github.com/Rrens/llm-relay/internal/llm/anthropic"
	"github.com/Rrens/llm-relay/internal/llm/deepseek"
	"github.com/Rrens/llm-relay/internal/llm/gemini"
	"github.com/Rrens/llm-relay/internal/llm/ollama"
	"github.com/Rrens/llm-relay/internal/llm/openai"
	"github.com/rs/zerolog/log"
)

type registration struct {
	provider llm.Provider
	creds    llm.Credentials
}

// newLLMRouter registers every configured provider. The primary provider is
// the one serving llm.default_model.
func newLLMRouter(cfg *config.Config) *llm.Router {
	var regs []registration

	if cfg.LLM.OpenAI.APIKey != "" {
		regs = append(regs, registration{openai.NewProvider(), llm.Credentials{APIKey: cfg.LLM.OpenAI.APIKey, BaseURL: cfg.LLM.OpenAI.BaseURL}})
	}
	if cfg.LLM.Anthropic.APIKey != "" {
		regs = append(regs, registration{anthropic.NewProvider(), llm.Credentials{APIKey: cfg.LLM.Anthropic.APIKey, BaseURL: cfg.LLM.Anthropic.BaseURL}})
	}
	if cfg.LLM.Gemini.APIKey != "" {
		regs = append(regs, registration{gemini.NewProvider(), llm.Credentials{APIKey: cfg.LLM.Gemini.APIKey}})
	} else {
		log.Warn().Msg("Gemini API key is empty, skipping registration")
	}
	if cfg.LLM.DeepSeek.APIKey != "" {
		regs = append(regs, registration{deepseek.NewProvider(), llm.Credentials{APIKey: cfg.LLM.DeepSeek.APIKey, BaseURL: cfg.LLM.DeepSeek.BaseURL}})
	}
	if cfg.LLM.Ollama.Host != "" {
		regs = append(regs, registration{ollama.NewProvider(), llm.Credentials{BaseURL: cfg.LLM.Ollama.Host}})
	}

	primary := ""
	for _, r := range regs {
		if _, ok := llm.LookupModel(r.provider.Models(), cfg.LLM.DefaultModel); ok {
			primary = r.provider.Name()
			break
		}
	}

	router := llm.NewRouter(primary)
	for _, r := range regs {
		log.Info().Str("provider", r.provider.Name()).Int("models", len(r.provider.Models())).Msg("Registering LLM provider")
		router.RegisterProvider(r.provider, r.creds)
	}

	log.Info().Str("primary", router.Primary()).Str("default_model", cfg.LLM.DefaultModel).Msg("LLM providers initialized")
	return router
}

// promptTable layers configured prompts over the built-in ones
func promptTable(cfg *config.Config) llm.PromptTable {
	return llm.DefaultPrompts.Merge(cfg.LLM.Prompts)
}
