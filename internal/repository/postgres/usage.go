package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageStore implements domain.UsageStore with one row per date, user and model
type UsageStore struct {
	pool *pgxpool.Pool
}

// NewUsageStore creates a new usage store
func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

func (s *UsageStore) Count(ctx context.Context, date, userID, model string) (int, error) {
	query := `
		SELECT count FROM usage_counters
		WHERE usage_date = $1 AND user_id = $2 AND model = $3
	`
	var count int
	err := s.pool.QueryRow(ctx, query, date, userID, model).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return count, nil
}

func (s *UsageStore) Increment(ctx context.Context, date, userID, model string) (int, error) {
	query := `
		INSERT INTO usage_counters (usage_date, user_id, model, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (usage_date, user_id, model)
		DO UPDATE SET count = usage_counters.count + 1
		RETURNING count
	`
	var count int
	if err := s.pool.QueryRow(ctx, query, date, userID, model).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return count, nil
}

func (s *UsageStore) ListByUser(ctx context.Context, date, userID string) (map[string]int, error) {
	query := `
		SELECT model, count FROM usage_counters
		WHERE usage_date = $1 AND user_id = $2
	`
	rows, err := s.pool.Query(ctx, query, date, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var model string
		var count int
		if err := rows.Scan(&model, &count); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		counts[model] = count
	}
	return counts, rows.Err()
}

// Prune deletes counters older than date
func (s *UsageStore) Prune(ctx context.Context, before string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM usage_counters WHERE usage_date < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	return tag.RowsAffected(), nil
}
