package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skridofly/stump-offline/internal/storage"
)

const progressColumns = `book_id, server_id, page, epub_progress, elapsed_seconds, percentage,
	is_complete, last_modified, sync_status, revision, sync_error`

func scanProgress(row rowScanner) (*storage.ProgressRecord, error) {
	var (
		rec          storage.ProgressRecord
		page         sql.NullInt64
		locator      sql.NullString
		elapsed      sql.NullInt64
		percentage   sql.NullFloat64
		lastModified int64
		syncError    sql.NullString
	)

	err := row.Scan(&rec.ItemID, &rec.ServerID, &page, &locator, &elapsed, &percentage,
		&rec.IsComplete, &lastModified, &rec.SyncStatus, &rec.Revision, &syncError)
	if err != nil {
		return nil, err
	}

	if page.Valid {
		p := int(page.Int64)
		rec.Page = &p
	}

	if locator.Valid {
		var loc storage.Locator
		if err := json.Unmarshal([]byte(locator.String), &loc); err != nil {
			return nil, fmt.Errorf("decode locator: %w", err)
		}

		rec.Locator = &loc
	}

	if elapsed.Valid {
		rec.ElapsedSeconds = &elapsed.Int64
	}

	if percentage.Valid {
		rec.Percentage = &percentage.Float64
	}

	rec.LastModified = fromMillis(lastModified)
	rec.SyncError = syncError.String

	return &rec, nil
}

func snapshotRecord(itemID, serverID string, snap *storage.ProgressSnapshot, now time.Time) storage.ProgressRecord {
	modified := snap.UpdatedAt
	if modified.IsZero() {
		modified = now
	}

	return storage.ProgressRecord{
		ItemID:         itemID,
		ServerID:       serverID,
		Page:           snap.Page,
		Locator:        snap.Locator,
		ElapsedSeconds: snap.ElapsedSeconds,
		Percentage:     snap.Percentage,
		IsComplete:     snap.IsComplete,
		LastModified:   modified,
		SyncStatus:     storage.StatusSynced,
	}
}

// upsertProgressTx writes rec with the item id as conflict target. Every
// content write bumps the revision, and completion is sticky: a write that
// does not set IsComplete keeps an earlier completion.
func upsertProgressTx(ctx context.Context, tx *sql.Tx, rec storage.ProgressRecord) error {
	var page, elapsed sql.NullInt64
	if rec.Page != nil {
		page = sql.NullInt64{Int64: int64(*rec.Page), Valid: true}
	}

	if rec.ElapsedSeconds != nil {
		elapsed = sql.NullInt64{Int64: *rec.ElapsedSeconds, Valid: true}
	}

	var percentage sql.NullFloat64
	if rec.Percentage != nil {
		percentage = sql.NullFloat64{Float64: *rec.Percentage, Valid: true}
	}

	var locator sql.NullString

	if rec.Locator != nil {
		b, err := json.Marshal(rec.Locator)
		if err != nil {
			return fmt.Errorf("encode locator: %w", err)
		}

		locator = sql.NullString{String: string(b), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO read_progress (book_id, server_id, page, epub_progress, elapsed_seconds,
			percentage, is_complete, last_modified, sync_status, revision, sync_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, NULL)
		ON CONFLICT(book_id) DO UPDATE SET
			server_id = excluded.server_id,
			page = excluded.page,
			epub_progress = excluded.epub_progress,
			elapsed_seconds = excluded.elapsed_seconds,
			percentage = excluded.percentage,
			is_complete = (read_progress.is_complete OR excluded.is_complete),
			last_modified = excluded.last_modified,
			sync_status = excluded.sync_status,
			revision = read_progress.revision + 1,
			sync_error = NULL`,
		rec.ItemID, rec.ServerID, page, locator, elapsed, percentage,
		rec.IsComplete, toMillis(rec.LastModified), string(rec.SyncStatus),
	)
	if err != nil {
		return fmt.Errorf("upsert read progress: %w", err)
	}

	return nil
}

func itemExistsTx(ctx context.Context, tx *sql.Tx, itemID, serverID string) error {
	var one int

	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM downloaded_files WHERE id = ? AND server_id = ?`, itemID, serverID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	if err != nil {
		return fmt.Errorf("check downloaded file: %w", err)
	}

	return nil
}

// UpsertProgress writes the progress of a downloaded item. A record without
// a status is a local change and is stored UNSYNCED; SYNCED is accepted for
// server-acknowledged state. LastModified defaults to now. It returns
// storage.ErrNotFound if the item is not downloaded for rec.ServerID.
func (s *Store) UpsertProgress(ctx context.Context, rec storage.ProgressRecord) (*storage.ProgressRecord, error) {
	switch rec.SyncStatus {
	case "":
		rec.SyncStatus = storage.StatusUnsynced
	case storage.StatusUnsynced, storage.StatusSynced:
	default:
		return nil, fmt.Errorf("progress cannot be written with status %s", rec.SyncStatus)
	}

	if rec.LastModified.IsZero() {
		rec.LastModified = s.now()
	}

	var stored *storage.ProgressRecord

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := itemExistsTx(ctx, tx, rec.ItemID, rec.ServerID); err != nil {
			return err
		}

		if err := upsertProgressTx(ctx, tx, rec); err != nil {
			return err
		}

		var err error

		stored, err = scanProgress(tx.QueryRowContext(ctx,
			`SELECT `+progressColumns+` FROM read_progress WHERE book_id = ?`, rec.ItemID))
		if err != nil {
			return fmt.Errorf("read back progress: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(storage.EventProgressChanged, stored.ItemID, stored.ServerID, stored.SyncStatus)

	return stored, nil
}

// MirrorProgress overwrites the item's progress with the server's view and
// marks it SYNCED.
func (s *Store) MirrorProgress(ctx context.Context, itemID, serverID string, snap storage.ProgressSnapshot) (*storage.ProgressRecord, error) {
	return s.UpsertProgress(ctx, snapshotRecord(itemID, serverID, &snap, s.now()))
}

// GetProgress returns storage.ErrNotFound when no progress is recorded.
func (s *Store) GetProgress(ctx context.Context, itemID, serverID string) (*storage.ProgressRecord, error) {
	rec, err := scanProgress(s.db.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM read_progress WHERE book_id = ? AND server_id = ?`, itemID, serverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get read progress: %w", err)
	}

	return rec, nil
}

// ClearProgress removes the progress row, resetting completion. Clearing
// missing progress is not an error.
func (s *Store) ClearProgress(ctx context.Context, itemID, serverID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM read_progress WHERE book_id = ? AND server_id = ?`, itemID, serverID)
	if err != nil {
		return fmt.Errorf("clear read progress: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.publish(storage.EventProgressCleared, itemID, serverID, "")
	}

	return nil
}

// QueryUnsyncedProgress returns every row whose status is not SYNCED, oldest
// change first. An empty serverID queries every server.
func (s *Store) QueryUnsyncedProgress(ctx context.Context, serverID string) ([]storage.ProgressRecord, error) {
	query := `SELECT ` + progressColumns + ` FROM read_progress WHERE sync_status <> 'SYNCED'`
	args := []any{}

	if serverID != "" {
		query += ` AND server_id = ?`
		args = append(args, serverID)
	}

	query += ` ORDER BY last_modified, book_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unsynced progress: %w", err)
	}
	defer rows.Close()

	records := []storage.ProgressRecord{}

	for rows.Next() {
		rec, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan read progress: %w", err)
		}

		records = append(records, *rec)
	}

	return records, rows.Err()
}

// HasPendingProgress reports whether any row that is not SYNCED exists. An
// empty serverID checks every server.
func (s *Store) HasPendingProgress(ctx context.Context, serverID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM read_progress WHERE sync_status <> 'SYNCED'`
	args := []any{}

	if serverID != "" {
		query += ` AND server_id = ?`
		args = append(args, serverID)
	}

	var pending bool
	if err := s.db.QueryRowContext(ctx, query+`)`, args...).Scan(&pending); err != nil {
		return false, fmt.Errorf("check pending progress: %w", err)
	}

	return pending, nil
}

func (s *Store) transition(ctx context.Context, itemID string, revision int64, to storage.SyncStatus,
	reason string, from ...storage.SyncStatus,
) (bool, error) {
	query := `UPDATE read_progress SET sync_status = ?, sync_error = ?
		WHERE book_id = ? AND revision = ? AND sync_status IN (?` + strings.Repeat(", ?", len(from)-1) + `)`

	args := []any{string(to), nullString(reason), itemID, revision}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("set sync status %s: %w", to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set sync status %s: %w", to, err)
	}

	if n == 0 {
		return false, nil
	}

	var serverID string
	if err := s.db.QueryRowContext(ctx, `SELECT server_id FROM read_progress WHERE book_id = ?`, itemID).Scan(&serverID); err == nil {
		s.publish(storage.EventSyncStatus, itemID, serverID, to)
	}

	return true, nil
}

// BeginSync claims a pushable row (UNSYNCED or ERROR) at the given revision
// by moving it to SYNCING. It reports false when the row changed meanwhile.
func (s *Store) BeginSync(ctx context.Context, itemID string, revision int64) (bool, error) {
	return s.transition(ctx, itemID, revision, storage.StatusSyncing, "",
		storage.StatusUnsynced, storage.StatusError)
}

// FinishSync records the server's answer for a claimed row: SYNCED on
// acceptance, ERROR with reason on rejection. It only applies while the row
// is still SYNCING at the claimed revision, so a local write made during
// the push stays UNSYNCED.
func (s *Store) FinishSync(ctx context.Context, itemID string, revision int64, status storage.SyncStatus, reason string) (bool, error) {
	if status != storage.StatusSynced && status != storage.StatusError {
		return false, fmt.Errorf("sync cannot finish with status %s", status)
	}

	if status == storage.StatusSynced {
		reason = ""
	}

	return s.transition(ctx, itemID, revision, status, reason, storage.StatusSyncing)
}

// AbortSync returns a claimed row to UNSYNCED after a transport failure.
func (s *Store) AbortSync(ctx context.Context, itemID string, revision int64) (bool, error) {
	return s.transition(ctx, itemID, revision, storage.StatusUnsynced, "", storage.StatusSyncing)
}

// RecoverInterruptedSyncs resets rows left in SYNCING by a process that died
// mid-push. It runs on open, before any sync can start.
func (s *Store) RecoverInterruptedSyncs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE read_progress SET sync_status = 'UNSYNCED' WHERE sync_status = 'SYNCING'`)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted syncs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover interrupted syncs: %w", err)
	}

	return n, nil
}
