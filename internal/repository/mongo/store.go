// Package mongo stores sessions and usage counters in MongoDB.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Rrens/llm-relay/internal/config"
	"github.com/Rrens/llm-relay/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	sessionsCollection = "sessions"
	usageCollection    = "usage"
)

// DB wraps a connected client and its database
type DB struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect opens a client and verifies it with a ping
func Connect(ctx context.Context, cfg config.MongoConfig) (*DB, error) {
	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.Timeout > 0 {
		clientOpts.SetConnectTimeout(cfg.Timeout)
		clientOpts.SetTimeout(cfg.Timeout)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping: %w", err)
	}

	return &DB{client: client, db: client.Database(cfg.Database)}, nil
}

// Close disconnects the client
func (d *DB) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// Ping verifies connectivity
func (d *DB) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, nil)
}

// EnsureIndexes creates the secondary indexes used by the stores
func (d *DB) EnsureIndexes(ctx context.Context) error {
	_, err := d.db.Collection(sessionsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create sessions index: %w", err)
	}
	return nil
}

type sessionDoc struct {
	ThreadID     string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	LastActivity time.Time `bson:"last_activity"`
	Snapshot     string    `bson:"snapshot"`
}

// SessionStore keeps one document per thread holding the JSON snapshot
type SessionStore struct {
	coll *mongo.Collection
}

// NewSessionStore creates a new session store
func NewSessionStore(d *DB) *SessionStore {
	return &SessionStore{coll: d.db.Collection(sessionsCollection)}
}

func (s *SessionStore) Save(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	doc := sessionDoc{
		ThreadID:     session.ThreadID,
		UserID:       session.UserID,
		LastActivity: session.LastActivity,
		Snapshot:     string(data),
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": session.ThreadID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": threadID}); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) LoadAll(ctx context.Context) ([]*domain.Session, error) {
	cursor, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var sessions []*domain.Session
	for cursor.Next(ctx) {
		var doc sessionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		var session domain.Session
		if err := json.Unmarshal([]byte(doc.Snapshot), &session); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot %s: %w", doc.ThreadID, err)
		}
		sessions = append(sessions, &session)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// UsageStore keeps one document per date: {_id: date, counts: {user: {model: n}}}
type UsageStore struct {
	coll *mongo.Collection
}

// NewUsageStore creates a new usage store
func NewUsageStore(d *DB) *UsageStore {
	return &UsageStore{coll: d.db.Collection(usageCollection)}
}

type usageDoc struct {
	Date   string                    `bson:"_id"`
	Counts map[string]map[string]int `bson:"counts"`
}

// field keys may not contain dots or a leading dollar sign
var (
	fieldEscaper   = strings.NewReplacer(".", "．", "$", "＄")
	fieldUnescaper = strings.NewReplacer("．", ".", "＄", "$")
)

func escapeField(s string) string {
	return fieldEscaper.Replace(s)
}

func unescapeField(s string) string {
	return fieldUnescaper.Replace(s)
}

func countPath(userID, model string) string {
	return "counts." + escapeField(userID) + "." + escapeField(model)
}

func (s *UsageStore) Count(ctx context.Context, date, userID, model string) (int, error) {
	var doc usageDoc
	opts := options.FindOne().SetProjection(bson.M{countPath(userID, model): 1})
	err := s.coll.FindOne(ctx, bson.M{"_id": date}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return doc.Counts[escapeField(userID)][escapeField(model)], nil
}

func (s *UsageStore) Increment(ctx context.Context, date, userID, model string) (int, error) {
	path := countPath(userID, model)
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(bson.M{path: 1})

	var doc usageDoc
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": date}, bson.M{"$inc": bson.M{path: 1}}, opts).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return doc.Counts[escapeField(userID)][escapeField(model)], nil
}

func (s *UsageStore) ListByUser(ctx context.Context, date, userID string) (map[string]int, error) {
	var doc usageDoc
	opts := options.FindOne().SetProjection(bson.M{"counts." + escapeField(userID): 1})
	err := s.coll.FindOne(ctx, bson.M{"_id": date}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	counts := make(map[string]int)
	for model, n := range doc.Counts[escapeField(userID)] {
		counts[unescapeField(model)] = n
	}
	return counts, nil
}
