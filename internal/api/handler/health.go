package handler

import (
	"context"
	"net/http"
	"sort"

	"github.com/Rrens/llm-relay/internal/api/response"
	"github.com/Rrens/llm-relay/internal/llm"
	"github.com/Rrens/llm-relay/internal/service"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthCheck returns a simple health check response
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{
		"status": "ok",
	})
}

// ReadyCheck returns readiness status including storage connectivity
func ReadyCheck(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failed := make(map[string]string)
		for name, dep := range deps {
			if err := dep.Ping(r.Context()); err != nil {
				failed[name] = "not ready"
			}
		}

		if len(failed) > 0 {
			response.Error(w, http.StatusServiceUnavailable, failed)
			return
		}

		response.OK(w, map[string]string{
			"status": "ready",
		})
	}
}

type modelInfo struct {
	ID           string           `json:"id"`
	Provider     string           `json:"provider"`
	Capabilities llm.Capabilities `json:"capabilities"`
	DailyLimit   int              `json:"daily_limit,omitempty"`
}

// ListModels returns every model the relay can route, with its daily limit
func ListModels(router *llm.Router, quota *service.QuotaTracker, defaultModel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def := defaultModel
		if def == "" {
			def = router.DefaultModel()
		}

		var models []modelInfo
		var providers []string
		for _, p := range router.GetProvidersInfo() {
			providers = append(providers, p.Name)
			for _, m := range p.Models {
				info := modelInfo{ID: m.ID, Provider: p.Name, Capabilities: m.Capabilities}
				if limit, ok := quota.Limit(m.ID); ok {
					info.DailyLimit = limit
				}
				models = append(models, info)
			}
		}
		sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

		response.OK(w, map[string]any{
			"models":           models,
			"providers":        providers,
			"default_model":    def,
			"primary_provider": router.Primary(),
		})
	}
}

// Flusher drops cached entries
type Flusher interface {
	FlushAll(ctx context.Context) (int64, error)
}

// FlushCache clears the search result cache
func FlushCache(cache Flusher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleted, err := cache.FlushAll(r.Context())
		if err != nil {
			response.InternalError(w, "failed to flush cache: "+err.Error())
			return
		}

		response.OK(w, map[string]any{
			"message":      "cache flushed successfully",
			"keys_deleted": deleted,
		})
	}
}
