package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Rrens/llm-relay/internal/config"
	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a lighthouse at dusk", req["prompt"])
		assert.Equal(t, "dall-e-3", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created": 1, "data": [{"url": "https://img.example.com/1.png", "revised_prompt": "a lighthouse at dusk, oil painting"}]}`))
	}))
	defer srv.Close()

	r := NewRegistry(1, nil)
	require.NoError(t, r.Register(NewImageGenerator(ImageConfig{APIKey: "k", BaseURL: srv.URL}).Tool()))

	res := r.Execute(context.Background(), NameGenerateImage, json.RawMessage(`{"prompt":"a lighthouse at dusk"}`))
	require.NoError(t, res.Err)
	require.NotNil(t, res.Output.Media)
	assert.Equal(t, domain.MediaImage, res.Output.Media.Type)
	assert.Equal(t, "https://img.example.com/1.png", res.Output.Media.URL)
	assert.Contains(t, res.Content, "oil painting")
}

func TestImageGenerator_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "content policy violation", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	r := NewRegistry(1, nil)
	require.NoError(t, r.Register(NewImageGenerator(ImageConfig{APIKey: "k", BaseURL: srv.URL}).Tool()))

	res := r.Execute(context.Background(), NameGenerateImage, json.RawMessage(`{"prompt":"x"}`))
	assert.ErrorContains(t, res.Err, "content policy violation")
}

func videoServer(t *testing.T, pendingPolls int32, final string) (*httptest.Server, *int32) {
	t.Helper()
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/videos":
			assert.Equal(t, "Bearer vk", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"id": "job-1", "status": "queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/videos/job-1":
			n := atomic.AddInt32(&polls, 1)
			if pendingPolls >= 0 && n > pendingPolls {
				_, _ = w.Write([]byte(final))
				return
			}
			_, _ = w.Write([]byte(`{"id": "job-1", "status": "processing"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func TestVideoGenerator_Completes(t *testing.T) {
	srv, polls := videoServer(t, 2, `{"id": "job-1", "status": "completed", "url": "https://cdn.example.com/v.mp4"}`)

	g := NewVideoGenerator(VideoConfig{APIKey: "vk", BaseURL: srv.URL, MaxPolls: 30, PollInterval: time.Millisecond})
	out, err := g.handle(context.Background(), json.RawMessage(`{"prompt":"waves"}`))
	require.NoError(t, err)

	require.NotNil(t, out.Media)
	assert.Equal(t, domain.MediaVideo, out.Media.Type)
	assert.Equal(t, "https://cdn.example.com/v.mp4", out.Media.URL)
	assert.Equal(t, int32(3), atomic.LoadInt32(polls))
}

func TestVideoGenerator_TimeoutIsNotAnError(t *testing.T) {
	srv, polls := videoServer(t, -1, "")

	g := NewVideoGenerator(VideoConfig{APIKey: "vk", BaseURL: srv.URL, MaxPolls: 30, PollInterval: time.Millisecond})

	r := NewRegistry(1, nil)
	require.NoError(t, r.Register(g.Tool()))

	res := r.Execute(context.Background(), NameGenerateVideo, json.RawMessage(`{"prompt":"waves"}`))
	require.NoError(t, res.Err)
	assert.Nil(t, res.Output.Media)
	assert.JSONEq(t, `{"status":"timeout","job_id":"job-1"}`, res.Content)
	assert.Equal(t, int32(30), atomic.LoadInt32(polls))
}

func TestVideoGenerator_Failed(t *testing.T) {
	srv, _ := videoServer(t, 0, `{"id": "job-1", "status": "failed", "error": "nsfw"}`)

	g := NewVideoGenerator(VideoConfig{APIKey: "vk", BaseURL: srv.URL, PollInterval: time.Millisecond})
	_, err := g.handle(context.Background(), json.RawMessage(`{"prompt":"waves"}`))
	assert.ErrorContains(t, err, "nsfw")
}

func TestVideoGenerator_ContextCancelled(t *testing.T) {
	srv, _ := videoServer(t, -1, "")

	g := NewVideoGenerator(VideoConfig{APIKey: "vk", BaseURL: srv.URL, PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := g.handle(ctx, json.RawMessage(`{"prompt":"waves"}`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVideoGenerator_DeadlineIsTimeout(t *testing.T) {
	srv, _ := videoServer(t, -1, "")

	g := NewVideoGenerator(VideoConfig{APIKey: "vk", BaseURL: srv.URL, PollInterval: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := g.handle(ctx, json.RawMessage(`{"prompt":"waves"}`))
	require.NoError(t, err)
	assert.Equal(t, "timeout", out.Data["status"])
}

func TestDefaultRegistry_SlowVideoJobTimesOut(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"id": "job-1", "status": "queued"}`))
			return
		}
		atomic.AddInt32(&polls, 1)
		time.Sleep(40 * time.Millisecond)
		_, _ = w.Write([]byte(`{"id": "job-1", "status": "processing"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Tools.Concurrency = 1
	cfg.Tools.Video.BaseURL = srv.URL
	cfg.Tools.Video.MaxPolls = 3
	cfg.Tools.Video.PollInterval = 50 * time.Millisecond

	r := NewDefaultRegistry(cfg, nil, nil)
	res := r.Execute(context.Background(), NameGenerateVideo, json.RawMessage(`{"prompt":"waves"}`))

	require.NoError(t, res.Err)
	assert.JSONEq(t, `{"status":"timeout","job_id":"job-1"}`, res.Content)
	assert.LessOrEqual(t, atomic.LoadInt32(&polls), int32(3))
}
