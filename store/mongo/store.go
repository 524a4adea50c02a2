// Package mongo provides a MongoDB store.Store backend using the official
// driver. Every ownership transition is a single FindOneAndUpdate with an
// aggregation-pipeline update, so the compare-and-set and the expiry check
// against the server's $$NOW happen atomically.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/lease"
	"github.com/StratusCode/paralyze/task"
)

// Collection name constants.
const (
	colLeases = "paralyze_leases"
	colTasks  = "paralyze_tasks"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ lease.Store = (*Store)(nil)
	_ task.Store  = (*Store)(nil)
)

// Store is a MongoDB implementation of store.Store. The caller owns the
// client lifecycle; Store never closes it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new MongoDB store on the given database. The caller owns
// the client lifecycle.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Database returns the underlying *mongo.Database for advanced usage.
func (s *Store) Database() *mongod.Database {
	return s.db
}

// Migrate creates indexes for all paralyze collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := map[string][]mongod.IndexModel{
		colLeases: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
		colTasks: {
			// Candidate scan index: state + claim expiry + creation time.
			{Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "claim_expires_at", Value: 1},
				{Key: "created_at", Value: 1},
			}},
		},
	}

	for col, models := range indexes {
		_, err := s.db.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("paralyze/mongo: migrate %s indexes: %w", col, err)
		}
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}

// isTransient reports whether err is a connectivity failure a later retry
// against the same store could outlive.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if mongod.IsTimeout(err) || mongod.IsNetworkError(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// wrapErr annotates a store error with the failing operation, joining in
// ErrStoreUnavailable when the failure is transient so callers can decide
// to retry.
func wrapErr(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("paralyze/mongo: %s: %w", op, errors.Join(paralyze.ErrStoreUnavailable, err))
	}
	return fmt.Errorf("paralyze/mongo: %s: %w", op, err)
}
