package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Rrens/llm-relay/internal/api/handler"
	"github.com/Rrens/llm-relay/internal/config"
	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/repository/memory"
	"github.com/Rrens/llm-relay/internal/repository/mongo"
	"github.com/Rrens/llm-relay/internal/repository/postgres"
	"github.com/Rrens/llm-relay/internal/repository/redis"
	"github.com/Rrens/llm-relay/internal/repository/sqldb"
	"github.com/rs/zerolog/log"
)

// storage holds the durable stores selected by storage.driver
type storage struct {
	sessions  domain.SessionStore
	usage     domain.UsageStore
	redis     *redis.Client
	readiness map[string]handler.Pinger
	closers   []func()
}

func (s *storage) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	s := &storage{readiness: make(map[string]handler.Pinger)}

	if cfg.Storage.Driver == "redis" || cfg.Redis.Enabled {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rc
		s.readiness["redis"] = rc
		s.closers = append(s.closers, func() { _ = rc.Close() })
	}

	switch cfg.Storage.Driver {
	case "", "memory":
		log.Warn().Msg("using in-memory storage, sessions and usage are lost on restart")
		s.sessions = memory.NewSessionStore()
		s.usage = memory.NewUsageStore()

	case "redis":
		s.sessions = redis.NewSessionStore(s.redis)
		s.usage = redis.NewUsageStore(s.redis)

	case "postgres":
		if cfg.Database.AutoMigrate {
			if err := postgres.RunMigrations(cfg.Database.DSN(), postgres.DefaultMigrationsSource); err != nil {
				s.Close()
				return nil, err
			}
		}
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		s.readiness["postgres"] = db
		s.sessions = postgres.NewSessionStore(db.Pool)
		usage := postgres.NewUsageStore(db.Pool)
		s.usage = usage
		go pruneUsage(ctx, usage, cfg.Database.UsageRetention)

	case "mongo":
		db, err := mongo.Connect(ctx, cfg.Mongo)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		s.closers = append(s.closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = db.Close(closeCtx)
		})
		if err := db.EnsureIndexes(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.readiness["mongo"] = db
		s.sessions = mongo.NewSessionStore(db)
		s.usage = mongo.NewUsageStore(db)

	case "sqlite", "mysql":
		dialect, dsn := sqldb.DialectMySQL, cfg.SQLDB.MySQLDSN
		if cfg.Storage.Driver == "sqlite" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLDB.SQLitePath), 0o755); err != nil {
				s.Close()
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
			dialect, dsn = sqldb.DialectSQLite, sqldb.SQLiteDSN(cfg.SQLDB.SQLitePath)
		}
		db, err := sqldb.Open(ctx, dialect, dsn)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = db.Close() })
		if err := db.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.readiness[cfg.Storage.Driver] = db
		s.sessions = sqldb.NewSessionStore(db)
		s.usage = sqldb.NewUsageStore(db)

	default:
		s.Close()
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	log.Info().Str("driver", cfg.Storage.Driver).Msg("storage ready")
	return s, nil
}

// usagePruner deletes usage counters older than a date
type usagePruner interface {
	Prune(ctx context.Context, before string) (int64, error)
}

// pruneUsage drops old usage counters once a day until ctx is done
func pruneUsage(ctx context.Context, p usagePruner, retention time.Duration) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		before := domain.UsageDate(time.Now().Add(-retention))
		if n, err := p.Prune(ctx, before); err != nil {
			log.Warn().Err(err).Msg("failed to prune usage counters")
		} else if n > 0 {
			log.Info().Int64("rows", n).Str("before", before).Msg("pruned usage counters")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
