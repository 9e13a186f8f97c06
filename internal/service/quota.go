package service

import (
	"context"
	"sort"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/metrics"
	"github.com/rs/zerolog/log"
)

// QuotaOrdering decides whether the counter is bumped before or after the
// limit check
type QuotaOrdering string

const (
	// CheckThenIncrement rejects the first over-limit call and leaves the
	// counter unchanged
	CheckThenIncrement QuotaOrdering = "check-then-increment"
	// IncrementThenCheck counts every call, so the call that crosses the
	// limit is the first one rejected after it
	IncrementThenCheck QuotaOrdering = "increment-then-check"
)

// QuotaOptions configures the quota tracker
type QuotaOptions struct {
	Limits         map[string]int
	Ordering       QuotaOrdering
	DefaultModel   string
	FallbackModel  string
	FallbackMargin int
}

// QuotaTracker enforces per-user, per-model daily request limits
type QuotaTracker struct {
	store   domain.UsageStore
	opts    QuotaOptions
	locks   *keyedMutex
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewQuotaTracker creates a new quota tracker
func NewQuotaTracker(store domain.UsageStore, opts QuotaOptions, m *metrics.Metrics) *QuotaTracker {
	if opts.Ordering != IncrementThenCheck {
		opts.Ordering = CheckThenIncrement
	}
	if opts.Limits == nil {
		opts.Limits = map[string]int{}
	}
	return &QuotaTracker{
		store:   store,
		opts:    opts,
		locks:   newKeyedMutex(),
		metrics: m,
		now:     time.Now,
	}
}

// Limit returns the daily limit of model and whether one is configured
func (t *QuotaTracker) Limit(model string) (int, bool) {
	limit, ok := t.opts.Limits[model]
	return limit, ok
}

// SelectModel returns requested when set. Otherwise it picks the default
// model, or the fallback when the user is within the margin of the
// default's limit.
func (t *QuotaTracker) SelectModel(ctx context.Context, userID, requested string) string {
	if requested != "" {
		return requested
	}

	primary := t.opts.DefaultModel
	limit, limited := t.Limit(primary)
	if !limited || t.opts.FallbackModel == "" {
		return primary
	}

	count, err := t.store.Count(ctx, domain.UsageDate(t.now()), userID, primary)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("model", primary).Msg("failed to read usage, keeping default model")
		return primary
	}

	if count >= limit-t.opts.FallbackMargin {
		log.Info().
			Str("user_id", userID).
			Str("model", primary).
			Str("fallback", t.opts.FallbackModel).
			Int("usage", count).
			Int("limit", limit).
			Msg("default model near quota, using fallback")
		return t.opts.FallbackModel
	}
	return primary
}

// CheckAndIncrement resolves the effective model and counts one request
// against it. Exceeded reports whether the request must be refused.
// Store failures are logged and the request is allowed.
func (t *QuotaTracker) CheckAndIncrement(ctx context.Context, userID, model string) domain.QuotaStatus {
	model = t.SelectModel(ctx, userID, model)
	date := domain.UsageDate(t.now())

	unlock := t.locks.Lock(date + "|" + userID + "|" + model)
	defer unlock()

	status := domain.QuotaStatus{EffectiveModel: model}
	limit, limited := t.Limit(model)
	status.Limit = limit

	if limited && t.opts.Ordering == CheckThenIncrement {
		count, err := t.store.Count(ctx, date, userID, model)
		if err != nil {
			t.logPersistence("count", date, userID, model, err)
			return status
		}
		if count >= limit {
			status.Usage = count
			status.Exceeded = true
			t.metrics.QuotaRejected(model)
			return status
		}
	}

	count, err := t.store.Increment(ctx, date, userID, model)
	if err != nil {
		t.logPersistence("increment", date, userID, model, err)
		return status
	}
	status.Usage = count

	if limited && count > limit {
		status.Exceeded = true
		t.metrics.QuotaRejected(model)
	}
	return status
}

// Usage returns today's counters of userID, including configured models with
// no requests yet
func (t *QuotaTracker) Usage(ctx context.Context, userID string) ([]domain.QuotaStatus, error) {
	counts, err := t.store.ListByUser(ctx, domain.UsageDate(t.now()), userID)
	if err != nil {
		return nil, err
	}

	models := make(map[string]struct{}, len(counts)+len(t.opts.Limits))
	for m := range counts {
		models[m] = struct{}{}
	}
	for m := range t.opts.Limits {
		models[m] = struct{}{}
	}

	out := make([]domain.QuotaStatus, 0, len(models))
	for m := range models {
		limit, limited := t.Limit(m)
		out = append(out, domain.QuotaStatus{
			Usage:          counts[m],
			Limit:          limit,
			Exceeded:       limited && counts[m] >= limit,
			EffectiveModel: m,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveModel < out[j].EffectiveModel })
	return out, nil
}

func (t *QuotaTracker) logPersistence(op, date, userID, model string, err error) {
	perr := &domain.PersistenceError{Op: "usage " + op, Key: date + "/" + userID + "/" + model, Err: err}
	log.Error().Err(perr).Msg("usage store failure, allowing request")
}
