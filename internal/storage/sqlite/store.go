package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/skridofly/stump-offline/internal/logctx"
	"github.com/skridofly/stump-offline/internal/storage"
)

// Store is the offline persistence layer: downloaded items, their series and
// library references, and per-item reading progress.
type Store struct {
	db     *sql.DB
	broker *storage.Broker
	now    func() time.Time
}

// NewStore wraps an already migrated database.
func NewStore(db *sql.DB, broker *storage.Broker) *Store {
	if broker == nil {
		broker = storage.NewBroker()
	}

	return &Store{db: db, broker: broker, now: time.Now}
}

// Open opens the database at path, applies migrations and recovers rows
// left in SYNCING by a previous process.
func Open(ctx context.Context, path string, broker *storage.Broker) (*Store, error) {
	db, err := InitDB(path)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()

		return nil, err
	}

	s := NewStore(db, broker)

	recovered, err := s.RecoverInterruptedSyncs(ctx)
	if err != nil {
		db.Close()

		return nil, err
	}

	if recovered > 0 {
		logctx.LoggerFromContext(ctx).Info("recovered interrupted progress syncs", "count", recovered)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe returns a stream of committed-change events.
func (s *Store) Subscribe() (<-chan storage.Event, func()) {
	return s.broker.Subscribe()
}

func (s *Store) publish(kind storage.EventKind, itemID, serverID string, status storage.SyncStatus) {
	s.broker.Publish(storage.Event{
		Kind:     kind,
		ItemID:   itemID,
		ServerID: serverID,
		Status:   status,
		At:       s.now().UTC(),
	})
}

// withTx runs fn in a transaction that is rolled back on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
