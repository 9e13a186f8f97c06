package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/llm"
	"github.com/Rrens/llm-relay/internal/llm/deepseek"
	"github.com/Rrens/llm-relay/internal/llm/openai"
	gopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestProvider_SendRequest_ToolCalls(t *testing.T) {
	var got gopenai.ChatCompletionRequest
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "webSearch", "arguments": "{\"query\":\"go\"}"}}]
				}
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	})

	p := openai.NewProvider()
	client, err := p.CreateClient(llm.Credentials{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := p.SendRequest(context.Background(), client, llm.Request{
		Model: "gpt-4o-mini",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "search go"},
		},
		Tools: []domain.ToolDefinition{{Name: "webSearch", Description: "search", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, llm.StatusOK, resp.Status)
	assert.True(t, resp.WantsTools())
	require.Len(t, resp.Body.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.Body.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"go"}`, string(resp.Body.ToolCalls[0].Arguments))
	assert.Equal(t, 17, resp.Body.Usage.TotalTokens)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "webSearch", got.Tools[0].Function.Name)
}

func TestProvider_SendRequest_APIError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit_error", "code": "rate_limit_exceeded"}}`))
	})

	p := openai.NewProvider()
	client, err := p.CreateClient(llm.Credentials{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := p.SendRequest(context.Background(), client, llm.Request{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "429", resp.Status)
	require.NotNil(t, resp.Body.Error)
	assert.Equal(t, "rate limited", resp.Body.Error.Message)
	assert.False(t, resp.WantsTools())
}

func TestProvider_SendRequest_ImageGeneration(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		var req gopenai.ImageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a red fox", req.Prompt)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created": 1, "data": [{"url": "https://img.example.com/fox.png", "revised_prompt": "a red fox in snow"}]}`))
	})

	p := openai.NewProvider()
	client, err := p.CreateClient(llm.Credentials{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := p.SendRequest(context.Background(), client, llm.Request{
		Model:    "dall-e-3",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "a red fox"}},
	})
	require.NoError(t, err)

	require.NotNil(t, resp.Body.Media)
	assert.Equal(t, domain.MediaImage, resp.Body.Media.Type)
	assert.Equal(t, "https://img.example.com/fox.png", resp.Body.Media.URL)
	assert.Equal(t, llm.FinishStop, resp.Body.FinishReason)
}

func TestProvider_CreateClient_MissingKey(t *testing.T) {
	_, err := openai.NewProvider().CreateClient(llm.Credentials{})
	assert.Error(t, err)
}

func TestProvider_Capabilities(t *testing.T) {
	p := openai.NewProvider()

	assert.True(t, p.Capabilities("gpt-4o").Images)
	assert.False(t, p.Capabilities("gpt-3.5-turbo").Images)
	assert.False(t, p.Capabilities("o1-mini").Tools)
	assert.False(t, p.Capabilities("o1-mini").SystemRole)
	assert.Nil(t, p.SystemPrompt("o1-mini", "en", nil))
	assert.True(t, p.Capabilities("dall-e-3").ImageGeneration)

	ds := deepseek.NewProvider()
	assert.Equal(t, "deepseek", ds.Name())
	assert.False(t, ds.Capabilities("deepseek-reasoner").Tools)
	assert.True(t, ds.Capabilities("deepseek-chat").Tools)
}

func TestConvertMessages(t *testing.T) {
	msgs := openai.ConvertMessages([]domain.Message{
		{Role: domain.RoleUser, Parts: []domain.ContentPart{
			{Type: domain.PartText, Text: "what is this"},
			{Type: domain.PartImage, MIMEType: "image/png", Data: []byte("abc")},
		}},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c1", Name: "webSearch", Arguments: json.RawMessage(`{}`)}}},
		{Role: domain.RoleTool, ToolCallID: "c1", Name: "webSearch", Content: `{"results":[]}`},
	})

	require.Len(t, msgs, 3)
	require.Len(t, msgs[0].MultiContent, 2)
	assert.Equal(t, "data:image/png;base64,YWJj", msgs[0].MultiContent[1].ImageURL.URL)
	assert.Equal(t, "c1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
}
