package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestQuotaTracker_Orderings(t *testing.T) {
	tests := []struct {
		name         string
		ordering     QuotaOrdering
		fourthUsage  int
		counterAfter int
	}{
		{"check then increment", CheckThenIncrement, 3, 3},
		{"increment then check", IncrementThenCheck, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewUsageStore()
			q := NewQuotaTracker(store, QuotaOptions{
				Limits:   map[string]int{"gpt-4o": 3},
				Ordering: tt.ordering,
			}, nil)

			for i := 1; i <= 3; i++ {
				status := q.CheckAndIncrement(ctx, "u1", "gpt-4o")
				assert.False(t, status.Exceeded, "call %d", i)
				assert.Equal(t, i, status.Usage)
				assert.Equal(t, 3, status.Limit)
			}

			status := q.CheckAndIncrement(ctx, "u1", "gpt-4o")
			assert.True(t, status.Exceeded)
			assert.Equal(t, tt.fourthUsage, status.Usage)

			n, err := store.Count(ctx, domain.UsageDate(time.Now()), "u1", "gpt-4o")
			require.NoError(t, err)
			assert.Equal(t, tt.counterAfter, n)

			// other users are unaffected
			assert.False(t, q.CheckAndIncrement(ctx, "u2", "gpt-4o").Exceeded)
		})
	}
}

func TestQuotaTracker_UnlimitedModel(t *testing.T) {
	q := NewQuotaTracker(memory.NewUsageStore(), QuotaOptions{}, nil)

	var status domain.QuotaStatus
	for i := 0; i < 10; i++ {
		status = q.CheckAndIncrement(context.Background(), "u1", "llama3.1")
	}
	assert.False(t, status.Exceeded)
	assert.Equal(t, 10, status.Usage)
	assert.Equal(t, 0, status.Limit)
}

func TestQuotaTracker_DateRollover(t *testing.T) {
	ctx := context.Background()
	q := NewQuotaTracker(memory.NewUsageStore(), QuotaOptions{Limits: map[string]int{"m": 1}}, nil)

	day := time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)
	q.now = func() time.Time { return day }

	assert.False(t, q.CheckAndIncrement(ctx, "u1", "m").Exceeded)
	assert.True(t, q.CheckAndIncrement(ctx, "u1", "m").Exceeded)

	day = day.Add(2 * time.Minute)
	status := q.CheckAndIncrement(ctx, "u1", "m")
	assert.False(t, status.Exceeded)
	assert.Equal(t, 1, status.Usage)
}

func TestQuotaTracker_SelectModel(t *testing.T) {
	ctx := context.Background()
	store := memory.NewUsageStore()
	q := NewQuotaTracker(store, QuotaOptions{
		Limits:         map[string]int{"gpt-4o": 5},
		DefaultModel:   "gpt-4o",
		FallbackModel:  "gpt-4o-mini",
		FallbackMargin: 1,
	}, nil)
	date := domain.UsageDate(time.Now())

	assert.Equal(t, "gpt-4o", q.SelectModel(ctx, "u1", ""))
	assert.Equal(t, "claude-3-opus-20240229", q.SelectModel(ctx, "u1", "claude-3-opus-20240229"))

	for i := 0; i < 4; i++ {
		_, _ = store.Increment(ctx, date, "u1", "gpt-4o")
	}
	assert.Equal(t, "gpt-4o-mini", q.SelectModel(ctx, "u1", ""))
	assert.Equal(t, "gpt-4o", q.SelectModel(ctx, "u2", ""))

	t.Run("explicit model is never swapped", func(t *testing.T) {
		status := q.CheckAndIncrement(ctx, "u1", "gpt-4o")
		assert.Equal(t, "gpt-4o", status.EffectiveModel)
		assert.Equal(t, 5, status.Usage)
	})

	t.Run("empty model counts against fallback", func(t *testing.T) {
		status := q.CheckAndIncrement(ctx, "u1", "")
		assert.Equal(t, "gpt-4o-mini", status.EffectiveModel)
		assert.False(t, status.Exceeded)
		assert.Equal(t, 1, status.Usage)
	})
}

func TestQuotaTracker_StoreFailureAllows(t *testing.T) {
	store := new(MockUsageStore)
	store.On("Count", mock.Anything, mock.Anything, "u1", "m").Return(0, errors.New("connection refused"))

	q := NewQuotaTracker(store, QuotaOptions{Limits: map[string]int{"m": 1}}, nil)
	status := q.CheckAndIncrement(context.Background(), "u1", "m")

	assert.False(t, status.Exceeded)
	assert.Equal(t, "m", status.EffectiveModel)
	store.AssertNotCalled(t, "Increment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestQuotaTracker_ConcurrentCallsRespectLimit(t *testing.T) {
	q := NewQuotaTracker(memory.NewUsageStore(), QuotaOptions{Limits: map[string]int{"m": 10}}, nil)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !q.CheckAndIncrement(context.Background(), "u1", "m").Exceeded {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
	assert.Equal(t, 0, q.locks.size())
}

func TestQuotaTracker_Usage(t *testing.T) {
	ctx := context.Background()
	q := NewQuotaTracker(memory.NewUsageStore(), QuotaOptions{
		Limits: map[string]int{"gpt-4o": 2, "claude-3-opus-20240229": 5},
	}, nil)

	q.CheckAndIncrement(ctx, "u1", "gpt-4o")
	q.CheckAndIncrement(ctx, "u1", "gpt-4o")
	q.CheckAndIncrement(ctx, "u1", "llama3.1")

	usage, err := q.Usage(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, usage, 3)

	assert.Equal(t, domain.QuotaStatus{Usage: 0, Limit: 5, EffectiveModel: "claude-3-opus-20240229"}, usage[0])
	assert.Equal(t, domain.QuotaStatus{Usage: 2, Limit: 2, Exceeded: true, EffectiveModel: "gpt-4o"}, usage[1])
	assert.Equal(t, domain.QuotaStatus{Usage: 1, Limit: 0, EffectiveModel: "llama3.1"}, usage[2])
}
