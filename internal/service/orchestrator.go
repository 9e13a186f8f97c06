package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/llm"
	"github.com/Rrens/llm-relay/internal/metrics"
	"github.com/Rrens/llm-relay/internal/tools"
	"github.com/rs/zerolog/log"
)

// DefaultMaxToolRounds is the number of tool rounds allowed per call
const DefaultMaxToolRounds = 2

// PausedNotice is returned for turns sent to a paused session
const PausedNotice = "This session is paused. Resume it to continue the conversation."

var errNoProvider = errors.New("no provider registered")

// OrchestratorConfig configures the request orchestrator
type OrchestratorConfig struct {
	MaxToolRounds int
	Language      string
	Prompts       llm.PromptTable
}

// Orchestrator drives the model and tool round trip for one user turn
type Orchestrator struct {
	router   *llm.Router
	tools    *tools.Registry
	quota    *QuotaTracker
	sessions *SessionManager
	metrics  *metrics.Metrics
	cfg      OrchestratorConfig
}

// NewOrchestrator creates a new orchestrator. sessions may be nil when only
// stateless calls are served.
func NewOrchestrator(
	router *llm.Router,
	registry *tools.Registry,
	quota *QuotaTracker,
	sessions *SessionManager,
	m *metrics.Metrics,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.Language == "" {
		cfg.Language = llm.DefaultLanguage
	}
	if cfg.Prompts == nil {
		cfg.Prompts = llm.DefaultPrompts
	}
	return &Orchestrator{
		router:   router,
		tools:    registry,
		quota:    quota,
		sessions: sessions,
		metrics:  m,
		cfg:      cfg,
	}
}

// loopState is a state of the tool-calling loop
type loopState int

const (
	stateBuildRequest loopState = iota
	stateAwaitModel
	stateExecuteTools
	stateRoundLimit
	stateDone
)

func (s loopState) String() string {
	switch s {
	case stateBuildRequest:
		return "BUILD_REQUEST"
	case stateAwaitModel:
		return "AWAIT_MODEL"
	case stateExecuteTools:
		return "EXECUTE_TOOLS"
	case stateRoundLimit:
		return "ROUND_LIMIT_REACHED"
	case stateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// loopInput is what the loop is entered with
type loopInput struct {
	provider llm.Provider
	client   llm.Client
	model    string
	messages []domain.Message
	tools    []domain.ToolDefinition
}

// loopOutput is the terminal output of the loop
type loopOutput struct {
	text          string
	toolCallsUsed bool
	searchResults []domain.SearchResult
	media         *domain.MediaRef
	usage         domain.TokenUsage
	requests      int
	rounds        int
}

// Chat handles a stateless top-level call. Backend failures are reported in
// the result; the error return is reserved for configuration problems.
func (o *Orchestrator) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResult, error) {
	result, _, err := o.chat(ctx, req)
	return result, err
}

// Converse handles a turn inside the session of threadID. Paused sessions
// return a notice without consuming quota. Successful turns are appended to
// the session history.
func (o *Orchestrator) Converse(ctx context.Context, threadID, userID string, turn domain.Turn) (*domain.ChatResult, error) {
	if o.sessions == nil {
		return nil, domain.ErrSessionNotFound
	}

	session, err := o.sessions.Get(threadID)
	if err != nil {
		return nil, err
	}

	if session.Paused {
		return &domain.ChatResult{
			Success:    false,
			Model:      session.Model,
			Paused:     true,
			OutputText: PausedNotice,
			Error:      PausedNotice,
		}, nil
	}

	language := session.Language
	if language == "" {
		language = o.cfg.Language
	}

	result, userMsgs, err := o.chat(ctx, domain.ChatRequest{
		UserID:             userID,
		Prompt:             turn.Prompt,
		Image:              turn.Image,
		Audio:              turn.Audio,
		Model:              session.Model,
		History:            session.Messages,
		EnableSearch:       session.EnableSearch,
		EnableSystemPrompt: session.EnableSystemPrompt,
		Language:           language,
	})
	if err != nil {
		return nil, err
	}

	if !result.Success {
		if terr := o.sessions.Touch(ctx, threadID); terr != nil && !errors.Is(terr, domain.ErrSessionNotFound) {
			log.Warn().Err(terr).Str("thread_id", threadID).Msg("failed to touch session")
		}
		return result, nil
	}

	turnMsgs := append(userMsgs, assistantMessage(result))
	if err := o.sessions.AppendTurn(ctx, threadID, turnMsgs...); err != nil {
		// session expired or ended while the model was answering
		log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to append turn to session")
	}
	return result, nil
}

func (o *Orchestrator) chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResult, []domain.Message, error) {
	status := o.quota.CheckAndIncrement(ctx, req.UserID, req.Model)
	model := status.EffectiveModel
	if model == "" {
		model = o.router.DefaultModel()
		status.EffectiveModel = model
	}

	if status.Exceeded {
		log.Info().Str("user_id", req.UserID).Str("model", model).Int("usage", status.Usage).Int("limit", status.Limit).Msg("quota exceeded")
		return &domain.ChatResult{
			Success:       false,
			Model:         model,
			Usage:         domain.UsageInfo{Quota: status},
			QuotaExceeded: true,
			Error:         fmt.Sprintf("daily limit reached for %s (%d/%d)", model, status.Usage, status.Limit),
		}, nil, nil
	}

	provider := o.router.Resolve(model)
	if provider == nil {
		return nil, nil, errNoProvider
	}

	failed := func(err error) *domain.ChatResult {
		log.Error().Err(err).Str("user_id", req.UserID).Str("model", model).Msg("chat request failed")
		return &domain.ChatResult{
			Success: false,
			Model:   model,
			Usage:   domain.UsageInfo{Quota: status},
			Error:   err.Error(),
		}
	}

	client, err := o.router.ClientFor(provider)
	if err != nil {
		return failed(&domain.ProviderRequestError{Provider: provider.Name(), Model: model, Status: "client", Err: err}), nil, nil
	}

	caps := provider.Capabilities(model)
	language := req.Language
	if language == "" {
		language = o.cfg.Language
	}

	var messages []domain.Message
	if req.EnableSystemPrompt {
		if sys := provider.SystemPrompt(model, language, o.cfg.Prompts); sys != nil {
			messages = append(messages, *sys)
		}
	}
	for _, m := range req.History {
		if m.Role == domain.RoleSystem {
			continue
		}
		messages = append(messages, m)
	}

	userMsgs, warnings := provider.FormatUserTurn(llm.UserTurn{Text: req.Prompt, Image: req.Image, Audio: req.Audio}, model)
	messages = append(messages, userMsgs...)

	out, err := o.run(ctx, loopInput{
		provider: provider,
		client:   client,
		model:    model,
		messages: messages,
		tools:    o.offeredTools(caps, req.EnableSearch),
	})
	if err != nil {
		result := failed(err)
		result.Warnings = warnings
		return result, nil, nil
	}

	log.Info().
		Str("user_id", req.UserID).
		Str("model", model).
		Int("requests", out.requests).
		Int("tool_rounds", out.rounds).
		Int("total_tokens", out.usage.TotalTokens).
		Msg("chat completed")

	return &domain.ChatResult{
		Success:        true,
		OutputText:     out.text,
		Model:          model,
		Usage:          domain.UsageInfo{Quota: status, Tokens: out.usage},
		ToolCallsUsed:  out.toolCallsUsed,
		SearchResults:  out.searchResults,
		GeneratedMedia: out.media,
		Warnings:       warnings,
	}, userMsgs, nil
}

// offeredTools returns the tool definitions sent with the request. Models
// without tool support, reasoning models and image models get none.
func (o *Orchestrator) offeredTools(caps llm.Capabilities, enableSearch bool) []domain.ToolDefinition {
	if o.tools == nil || !caps.Tools || caps.Reasoning || caps.ImageGeneration {
		return nil
	}
	names := []string{tools.NameExtractContent, tools.NameGenerateImage, tools.NameGenerateVideo}
	if enableSearch {
		names = append(names, tools.NameWebSearch)
	}
	return o.tools.Definitions(names...)
}

// run executes the tool-calling loop
func (o *Orchestrator) run(ctx context.Context, in loopInput) (*loopOutput, error) {
	out := &loopOutput{}
	messages := in.messages

	var (
		req     llm.Request
		pending []domain.ToolCall
	)

	state := stateBuildRequest
	for state != stateDone {
		switch state {
		case stateBuildRequest:
			req = llm.Request{Model: in.model, Messages: messages, Tools: in.tools}
			state = stateAwaitModel

		case stateAwaitModel:
			resp, err := o.send(ctx, in, req)
			out.requests++
			if err != nil {
				return nil, err
			}

			out.usage.Add(resp.Body.Usage)
			if resp.Body.Text != "" {
				out.text = resp.Body.Text
			}
			if resp.Body.Media != nil {
				out.media = resp.Body.Media
			}

			switch {
			case !resp.WantsTools():
				state = stateDone
			case out.rounds >= o.cfg.MaxToolRounds:
				state = stateRoundLimit
			default:
				pending = resp.Body.ToolCalls
				messages = append(messages, domain.Message{
					Role:      domain.RoleAssistant,
					Content:   resp.Body.Text,
					ToolCalls: pending,
				})
				state = stateExecuteTools
			}

		case stateExecuteTools:
			for _, res := range o.executeRound(ctx, pending) {
				messages = append(messages, res.Message())
				if res.Output == nil {
					continue
				}
				out.searchResults = append(out.searchResults, res.Output.SearchResults...)
				if res.Output.Media != nil {
					out.media = res.Output.Media
				}
			}
			out.toolCallsUsed = true
			out.rounds++
			pending = nil
			req.Messages = messages
			state = stateAwaitModel

		case stateRoundLimit:
			log.Warn().Str("model", in.model).Int("rounds", out.rounds).Msg("tool round limit reached, returning last text")
			state = stateDone
		}
	}

	return out, nil
}

// executeRound answers every call. An unavailable registry still produces
// one error result per call.
func (o *Orchestrator) executeRound(ctx context.Context, calls []domain.ToolCall) []tools.Result {
	if o.tools != nil {
		return o.tools.ExecuteRound(ctx, calls)
	}
	empty := tools.NewRegistry(1, nil)
	return empty.ExecuteRound(ctx, calls)
}

// send issues one model request and converts failures to ProviderRequestError
func (o *Orchestrator) send(ctx context.Context, in loopInput, req llm.Request) (*llm.Response, error) {
	name := in.provider.Name()
	start := time.Now()

	resp, err := in.provider.SendRequest(ctx, in.client, req)
	elapsed := time.Since(start)

	if err != nil {
		o.metrics.ObserveProviderRequest(name, in.model, false, elapsed, 0, 0)
		return nil, &domain.ProviderRequestError{Provider: name, Model: in.model, Err: err}
	}
	if resp == nil {
		o.metrics.ObserveProviderRequest(name, in.model, false, elapsed, 0, 0)
		return nil, &domain.ProviderRequestError{Provider: name, Model: in.model, Err: errors.New("empty response")}
	}

	if resp.Status != llm.StatusOK || resp.Body.Error != nil {
		o.metrics.ObserveProviderRequest(name, in.model, false, elapsed, 0, 0)
		msg := "request failed"
		if resp.Body.Error != nil && resp.Body.Error.Message != "" {
			msg = resp.Body.Error.Message
		}
		return nil, &domain.ProviderRequestError{Provider: name, Model: in.model, Status: resp.Status, Err: errors.New(msg)}
	}

	o.metrics.ObserveProviderRequest(name, in.model, true, elapsed, resp.Body.Usage.PromptTokens, resp.Body.Usage.CompletionTokens)
	return resp, nil
}

// assistantMessage is the history entry recorded for a finished turn
func assistantMessage(result *domain.ChatResult) domain.Message {
	content := result.OutputText
	if content == "" && result.GeneratedMedia != nil {
		content = result.GeneratedMedia.URL
	}
	return domain.Message{Role: domain.RoleAssistant, Content: content}
}
