package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/skridofly/stump-offline/internal/storage"
)

const itemColumns = `id, filename, uri, server_id, size, downloaded_at, book_name,
	book_description, book_metadata, series_id, pages, toc`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*storage.DownloadedItem, error) {
	var (
		item         storage.DownloadedItem
		size         sql.NullInt64
		downloadedAt int64
		description  sql.NullString
		metadata     sql.NullString
		seriesID     sql.NullString
		toc          sql.NullString
	)

	err := row.Scan(&item.ID, &item.Filename, &item.URI, &item.ServerID, &size, &downloadedAt,
		&item.BookName, &description, &metadata, &seriesID, &item.Pages, &toc)
	if err != nil {
		return nil, err
	}

	if size.Valid {
		item.Size = &size.Int64
	}

	item.DownloadedAt = fromMillis(downloadedAt)
	item.Description = description.String
	item.SeriesID = seriesID.String

	if metadata.Valid {
		item.Metadata = json.RawMessage(metadata.String)
	}

	if toc.Valid {
		item.TOC = json.RawMessage(toc.String)
	}

	return &item, nil
}

// UpsertItem writes the item together with its optional series ref, library
// ref and SYNCED progress snapshot in one transaction. The item id is the
// conflict target; an existing row is overwritten, including its server.
func (s *Store) UpsertItem(ctx context.Context, item storage.DownloadedItem, rel storage.Relations) (*storage.DownloadedItem, error) {
	if item.ID == "" || item.ServerID == "" {
		return nil, errors.New("item id and server id are required")
	}

	now := s.now()
	if item.DownloadedAt.IsZero() {
		item.DownloadedAt = now.UTC()
	}

	if rel.Series != nil && item.SeriesID == "" {
		item.SeriesID = rel.Series.ID
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if rel.Library != nil {
			if err := upsertLibrary(ctx, tx, rel.Library); err != nil {
				return err
			}
		}

		if rel.Series != nil {
			if err := upsertSeries(ctx, tx, rel.Series); err != nil {
				return err
			}
		}

		var size sql.NullInt64
		if item.Size != nil {
			size = sql.NullInt64{Int64: *item.Size, Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO downloaded_files (`+itemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				filename = excluded.filename,
				uri = excluded.uri,
				server_id = excluded.server_id,
				size = excluded.size,
				downloaded_at = excluded.downloaded_at,
				book_name = excluded.book_name,
				book_description = excluded.book_description,
				book_metadata = excluded.book_metadata,
				series_id = excluded.series_id,
				pages = excluded.pages,
				toc = excluded.toc`,
			item.ID, item.Filename, item.URI, item.ServerID, size, toMillis(item.DownloadedAt),
			item.BookName, nullString(item.Description), nullBytes(item.Metadata),
			nullString(item.SeriesID), item.Pages, nullBytes(item.TOC),
		)
		if err != nil {
			return fmt.Errorf("upsert downloaded file: %w", err)
		}

		// progress follows its item when the item moves to another server
		if _, err := tx.ExecContext(ctx,
			`UPDATE read_progress SET server_id = ? WHERE book_id = ? AND server_id <> ?`,
			item.ServerID, item.ID, item.ServerID,
		); err != nil {
			return fmt.Errorf("move progress: %w", err)
		}

		if rel.Progress != nil {
			rec := snapshotRecord(item.ID, item.ServerID, rel.Progress, now)
			if err := upsertProgressTx(ctx, tx, rec); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(storage.EventItemUpserted, item.ID, item.ServerID, "")

	if rel.Progress != nil {
		s.publish(storage.EventProgressChanged, item.ID, item.ServerID, storage.StatusSynced)
	}

	return &item, nil
}

func upsertLibrary(ctx context.Context, tx *sql.Tx, lib *storage.LibraryRef) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO library_refs (id, server_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET server_id = excluded.server_id, name = excluded.name`,
		lib.ID, lib.ServerID, lib.Name,
	)
	if err != nil {
		return fmt.Errorf("upsert library ref: %w", err)
	}

	return nil
}

func upsertSeries(ctx context.Context, tx *sql.Tx, series *storage.SeriesRef) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO series_refs (id, server_id, name, library_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			server_id = excluded.server_id,
			name = excluded.name,
			library_id = excluded.library_id`,
		series.ID, series.ServerID, series.Name, nullString(series.LibraryID),
	)
	if err != nil {
		return fmt.Errorf("upsert series ref: %w", err)
	}

	return nil
}

// GetItem returns storage.ErrNotFound when the item is not downloaded for serverID.
func (s *Store) GetItem(ctx context.Context, id, serverID string) (*storage.DownloadedItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM downloaded_files WHERE id = ? AND server_id = ?`, id, serverID)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get downloaded file: %w", err)
	}

	return item, nil
}

// ListItems returns downloaded items ordered by download time, newest first.
// An empty serverID lists every server.
func (s *Store) ListItems(ctx context.Context, serverID string) ([]storage.DownloadedItem, error) {
	query := `SELECT ` + itemColumns + ` FROM downloaded_files`
	args := []any{}

	if serverID != "" {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}

	query += ` ORDER BY downloaded_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list downloaded files: %w", err)
	}
	defer rows.Close()

	items := []storage.DownloadedItem{}

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan downloaded file: %w", err)
		}

		items = append(items, *item)
	}

	return items, rows.Err()
}

// CountItems returns the number of downloaded items across all servers.
func (s *Store) CountItems(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM downloaded_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count downloaded files: %w", err)
	}

	return uint64(n), nil
}

// DeleteItem removes the item and, through the cascade, its progress row.
// Deleting a missing item is not an error.
func (s *Store) DeleteItem(ctx context.Context, id, serverID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM downloaded_files WHERE id = ? AND server_id = ?`, id, serverID)
	if err != nil {
		return fmt.Errorf("delete downloaded file: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.publish(storage.EventItemDeleted, id, serverID, "")
	}

	return nil
}

// ListServers returns every server that owns a download or a progress row.
func (s *Store) ListServers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id FROM downloaded_files
		UNION
		SELECT server_id FROM read_progress
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	servers := []string{}

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan server id: %w", err)
		}

		servers = append(servers, id)
	}

	return servers, rows.Err()
}
