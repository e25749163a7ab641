package sqlite

import (
	"context"
	"errors"

	"github.com/skridofly/stump-offline/internal/storage"
	"github.com/skridofly/stump-offline/internal/telemetry"
)

// InstrumentedStore wraps Store with telemetry.
type InstrumentedStore struct {
	*Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented store.
func NewInstrumentedStore(store *Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{Store: store, telemetry: tel}
}

func instrument[T any](ctx context.Context, tel *telemetry.Telemetry, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := tel.InstrumentDBOperation(ctx, op, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)

		return err
	})

	return result, err
}

// UpsertItem upserts an item and its relations with telemetry.
func (s *InstrumentedStore) UpsertItem(ctx context.Context, item storage.DownloadedItem, rel storage.Relations) (*storage.DownloadedItem, error) {
	return instrument(ctx, s.telemetry, "upsert_item", func(ctx context.Context) (*storage.DownloadedItem, error) {
		return s.Store.UpsertItem(ctx, item, rel)
	})
}

// GetItem retrieves an item with telemetry. A missing item is not counted as an error.
func (s *InstrumentedStore) GetItem(ctx context.Context, id, serverID string) (*storage.DownloadedItem, error) {
	var item *storage.DownloadedItem

	var getErr error

	err := s.telemetry.InstrumentDBOperation(ctx, "get_item", func(ctx context.Context) error {
		item, getErr = s.Store.GetItem(ctx, id, serverID)
		if errors.Is(getErr, storage.ErrNotFound) {
			return nil
		}

		return getErr
	})
	if err != nil {
		return nil, err
	}

	return item, getErr
}

// ListItems lists items with telemetry.
func (s *InstrumentedStore) ListItems(ctx context.Context, serverID string) ([]storage.DownloadedItem, error) {
	return instrument(ctx, s.telemetry, "list_items", func(ctx context.Context) ([]storage.DownloadedItem, error) {
		return s.Store.ListItems(ctx, serverID)
	})
}

// CountItems counts items with telemetry.
func (s *InstrumentedStore) CountItems(ctx context.Context) (uint64, error) {
	return instrument(ctx, s.telemetry, "count_items", s.Store.CountItems)
}

// DeleteItem deletes an item with telemetry.
func (s *InstrumentedStore) DeleteItem(ctx context.Context, id, serverID string) error {
	return s.telemetry.InstrumentDBOperation(ctx, "delete_item", func(ctx context.Context) error {
		return s.Store.DeleteItem(ctx, id, serverID)
	})
}

// ListServers lists known servers with telemetry.
func (s *InstrumentedStore) ListServers(ctx context.Context) ([]string, error) {
	return instrument(ctx, s.telemetry, "list_servers", s.Store.ListServers)
}

// UpsertProgress writes progress with telemetry.
func (s *InstrumentedStore) UpsertProgress(ctx context.Context, rec storage.ProgressRecord) (*storage.ProgressRecord, error) {
	return instrument(ctx, s.telemetry, "upsert_progress", func(ctx context.Context) (*storage.ProgressRecord, error) {
		return s.Store.UpsertProgress(ctx, rec)
	})
}

// MirrorProgress mirrors server progress with telemetry.
func (s *InstrumentedStore) MirrorProgress(ctx context.Context, itemID, serverID string, snap storage.ProgressSnapshot) (*storage.ProgressRecord, error) {
	return instrument(ctx, s.telemetry, "mirror_progress", func(ctx context.Context) (*storage.ProgressRecord, error) {
		return s.Store.MirrorProgress(ctx, itemID, serverID, snap)
	})
}

// QueryUnsyncedProgress queries pending progress with telemetry.
func (s *InstrumentedStore) QueryUnsyncedProgress(ctx context.Context, serverID string) ([]storage.ProgressRecord, error) {
	return instrument(ctx, s.telemetry, "query_unsynced_progress", func(ctx context.Context) ([]storage.ProgressRecord, error) {
		return s.Store.QueryUnsyncedProgress(ctx, serverID)
	})
}

// BeginSync claims a row with telemetry.
func (s *InstrumentedStore) BeginSync(ctx context.Context, itemID string, revision int64) (bool, error) {
	return instrument(ctx, s.telemetry, "begin_sync", func(ctx context.Context) (bool, error) {
		return s.Store.BeginSync(ctx, itemID, revision)
	})
}

// FinishSync settles a claimed row with telemetry.
func (s *InstrumentedStore) FinishSync(ctx context.Context, itemID string, revision int64, status storage.SyncStatus, reason string) (bool, error) {
	return instrument(ctx, s.telemetry, "finish_sync", func(ctx context.Context) (bool, error) {
		return s.Store.FinishSync(ctx, itemID, revision, status, reason)
	})
}

// AbortSync releases a claimed row with telemetry.
func (s *InstrumentedStore) AbortSync(ctx context.Context, itemID string, revision int64) (bool, error) {
	return instrument(ctx, s.telemetry, "abort_sync", func(ctx context.Context) (bool, error) {
		return s.Store.AbortSync(ctx, itemID, revision)
	})
}
