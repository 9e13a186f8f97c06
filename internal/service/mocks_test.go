package service

import (
	"context"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/llm"
	"github.com/stretchr/testify/mock"
)

// MockSessionStore mocks domain.SessionStore
type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) Save(ctx context.Context, session *domain.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionStore) Delete(ctx context.Context, threadID string) error {
	args := m.Called(ctx, threadID)
	return args.Error(0)
}

func (m *MockSessionStore) LoadAll(ctx context.Context) ([]*domain.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Session), args.Error(1)
}

// MockUsageStore mocks domain.UsageStore
type MockUsageStore struct {
	mock.Mock
}

func (m *MockUsageStore) Count(ctx context.Context, date, userID, model string) (int, error) {
	args := m.Called(ctx, date, userID, model)
	return args.Int(0), args.Error(1)
}

func (m *MockUsageStore) Increment(ctx context.Context, date, userID, model string) (int, error) {
	args := m.Called(ctx, date, userID, model)
	return args.Int(0), args.Error(1)
}

func (m *MockUsageStore) ListByUser(ctx context.Context, date, userID string) (map[string]int, error) {
	args := m.Called(ctx, date, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int), args.Error(1)
}

// MockThreadCloser mocks domain.ThreadCloser
type MockThreadCloser struct {
	mock.Mock
}

func (m *MockThreadCloser) CloseThread(ctx context.Context, threadID string) error {
	args := m.Called(ctx, threadID)
	return args.Error(0)
}

// MockProvider mocks llm.Provider. Only SendRequest goes through the mock;
// the static parts come from the capability set.
type MockProvider struct {
	mock.Mock
	name   string
	models []llm.Model
	caps   llm.Capabilities
}

func newMockProvider(name string, caps llm.Capabilities, models ...string) *MockProvider {
	p := &MockProvider{name: name, caps: caps}
	for _, id := range models {
		p.models = append(p.models, llm.Model{ID: id, Capabilities: caps})
	}
	return p
}

type mockClient struct {
	provider string
}

func (c mockClient) Provider() string { return c.provider }

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) Models() []llm.Model { return m.models }

func (m *MockProvider) Capabilities(model string) llm.Capabilities { return m.caps }

func (m *MockProvider) CreateClient(creds llm.Credentials) (llm.Client, error) {
	return mockClient{provider: m.name}, nil
}

func (m *MockProvider) SystemPrompt(model, language string, prompts llm.PromptTable) *domain.Message {
	return llm.SystemMessage(m.caps, model, language, prompts)
}

func (m *MockProvider) FormatUserTurn(turn llm.UserTurn, model string) ([]domain.Message, []string) {
	return llm.FormatUserTurn(turn, model, m.caps)
}

func (m *MockProvider) SendRequest(ctx context.Context, client llm.Client, req llm.Request) (*llm.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.Response), args.Error(1)
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Status: llm.StatusOK,
		Body: llm.ResponseBody{
			Text:         text,
			FinishReason: llm.FinishStop,
			Usage:        domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5},
		},
	}
}

func toolResponse(text string, calls ...domain.ToolCall) *llm.Response {
	return &llm.Response{
		Status: llm.StatusOK,
		Body: llm.ResponseBody{
			Text:         text,
			ToolCalls:    calls,
			FinishReason: llm.FinishToolCalls,
			Usage:        domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5},
		},
	}
}
