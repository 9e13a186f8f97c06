package domain

import (
	"context"
	"time"
)

// UsageDateLayout is the layout of the date component of usage keys
const UsageDateLayout = "2006-01-02"

// UsageRecord is a per-user, per-model request counter for one day
type UsageRecord struct {
	Date   string `json:"date"`
	UserID string `json:"user_id"`
	Model  string `json:"model"`
	Count  int    `json:"count"`
}

// UsageDate formats t as a usage key date in UTC
func UsageDate(t time.Time) string {
	return t.UTC().Format(UsageDateLayout)
}

// UsageStore persists daily usage counters. Records for a date other than the
// one asked for are never returned, which gives lazy rollover at midnight.
type UsageStore interface {
	// Count returns the current count, zero when absent
	Count(ctx context.Context, date, userID, model string) (int, error)
	// Increment atomically adds one and returns the new count
	Increment(ctx context.Context, date, userID, model string) (int, error)
	// ListByUser returns every model counter of userID for date
	ListByUser(ctx context.Context, date, userID string) (map[string]int, error)
}

// QuotaStatus is the outcome of a quota check
type QuotaStatus struct {
	Usage          int    `json:"usage"`
	Limit          int    `json:"limit"`
	Exceeded       bool   `json:"exceeded"`
	EffectiveModel string `json:"effective_model"`
}
