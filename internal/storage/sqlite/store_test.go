package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/skridofly/stump-offline/internal/storage"
	"github.com/skridofly/stump-offline/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "offline.db")

	s, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	s.now = func() time.Time { return fixedNow }

	return s, path
}

func ptr[T any](v T) *T { return &v }

func testItem(id, serverID string) storage.DownloadedItem {
	return storage.DownloadedItem{
		ID:       id,
		ServerID: serverID,
		Filename: id + ".cbz",
		URI:      "/books/" + serverID + "/" + id + ".cbz",
		Size:     ptr(int64(2048)),
		BookName: "Book " + id,
		Pages:    24,
		Metadata: json.RawMessage(`{"writers":["someone"]}`),
	}
}

func mustUpsertItem(t *testing.T, s *Store, item storage.DownloadedItem, rel storage.Relations) {
	t.Helper()

	_, err := s.UpsertItem(context.Background(), item, rel)
	require.NoError(t, err)
}

func TestUpsertItem_WithRelations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	updated := time.Date(2024, 4, 1, 8, 30, 0, 0, time.UTC)
	item := testItem("b1", "home")

	_, err := s.UpsertItem(ctx, item, storage.Relations{
		Library: &storage.LibraryRef{ID: "lib1", ServerID: "home", Name: "Comics"},
		Series:  &storage.SeriesRef{ID: "s1", ServerID: "home", Name: "Saga", LibraryID: "lib1"},
		Progress: &storage.ProgressSnapshot{
			Page:      ptr(7),
			UpdatedAt: updated,
		},
	})
	require.NoError(t, err)

	got, err := s.GetItem(ctx, "b1", "home")
	require.NoError(t, err)
	assert.Equal(t, "Book b1", got.BookName)
	assert.Equal(t, "s1", got.SeriesID)
	assert.Equal(t, 24, got.Pages)
	assert.Equal(t, int64(2048), *got.Size)
	assert.JSONEq(t, `{"writers":["someone"]}`, string(got.Metadata))
	assert.True(t, got.DownloadedAt.Equal(fixedNow))

	progress, err := s.GetProgress(ctx, "b1", "home")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSynced, progress.SyncStatus)
	assert.Equal(t, 7, *progress.Page)
	assert.True(t, progress.LastModified.Equal(updated), "snapshot keeps the server timestamp")

	var seriesName, libraryName string
	require.NoError(t, s.db.QueryRow(`SELECT name FROM series_refs WHERE id = 's1'`).Scan(&seriesName))
	require.NoError(t, s.db.QueryRow(`SELECT name FROM library_refs WHERE id = 'lib1'`).Scan(&libraryName))
	assert.Equal(t, "Saga", seriesName)
	assert.Equal(t, "Comics", libraryName)
}

func TestUpsertItem_SnapshotWithoutTimestampUsesNow(t *testing.T) {
	s, _ := newTestStore(t)

	mustUpsertItem(t, s, testItem("b1", "home"), storage.Relations{
		Progress: &storage.ProgressSnapshot{Percentage: ptr(0.25)},
	})

	progress, err := s.GetProgress(context.Background(), "b1", "home")
	require.NoError(t, err)
	assert.True(t, progress.LastModified.Equal(fixedNow))
}

func TestUpsertItem_OverwritesAndMovesProgress(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertItem(t, s, testItem("b1", "home"), storage.Relations{Progress: &storage.ProgressSnapshot{Page: ptr(3)}})

	moved := testItem("b1", "office")
	moved.BookName = "Renamed"
	mustUpsertItem(t, s, moved, storage.Relations{})

	_, err := s.GetItem(ctx, "b1", "home")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetItem(ctx, "b1", "office")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.BookName)

	progress, err := s.GetProgress(ctx, "b1", "office")
	require.NoError(t, err)
	assert.Equal(t, 3, *progress.Page)

	count, err := s.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestUpsertItem_Validation(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.UpsertItem(context.Background(), storage.DownloadedItem{ID: "b1"}, storage.Relations{})
	assert.Error(t, err)
}

func TestListItemsAndServers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	older := testItem("b1", "home")
	older.DownloadedAt = fixedNow.Add(-time.Hour)
	mustUpsertItem(t, s, older, storage.Relations{})
	mustUpsertItem(t, s, testItem("b2", "home"), storage.Relations{})
	mustUpsertItem(t, s, testItem("b3", "office"), storage.Relations{})

	all, err := s.ListItems(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b1", all[2].ID, "newest first")

	home, err := s.ListItems(ctx, "home")
	require.NoError(t, err)
	assert.Len(t, home, 2)

	none, err := s.ListItems(ctx, "nowhere")
	require.NoError(t, err)
	assert.Empty(t, none)

	servers, err := s.ListServers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "office"}, servers)
}

func TestDeleteItem_CascadesAndIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertItem(t, s, testItem("b1", "home"), storage.Relations{Progress: &storage.ProgressSnapshot{Page: ptr(1)}})

	require.NoError(t, s.DeleteItem(ctx, "b1", "home"))
	require.NoError(t, s.DeleteItem(ctx, "b1", "home"))

	_, err := s.GetItem(ctx, "b1", "home")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetProgress(ctx, "b1", "home")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM read_progress`).Scan(&rows))
	assert.Zero(t, rows)
}

func TestUpsertProgress_LocalWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertItem(t, s, testItem("b1", "home"), storage.Relations{})

	first, err := s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b1", ServerID: "home", Page: ptr(4)})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUnsynced, first.SyncStatus)
	assert.True(t, first.LastModified.Equal(fixedNow))
	assert.Equal(t, int64(1), first.Revision)

	explicit := fixedNow.Add(time.Minute)
	second, err := s.UpsertProgress(ctx, storage.ProgressRecord{
		ItemID: "b1", ServerID: "home", Page: ptr(5), ElapsedSeconds: ptr(int64(90)), LastModified: explicit,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Revision)
	assert.Equal(t, 5, *second.Page)
	assert.Equal(t, int64(90), *second.ElapsedSeconds)
	assert.True(t, second.LastModified.Equal(explicit))
}

func TestUpsertProgress_Locator(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertItem(t, s, testItem("b1", "home"), storage.Relations{})

	loc := &storage.Locator{
		Href:         "OEBPS/chapter3.xhtml",
		ChapterTitle: "Three",
		Type:         "application/xhtml+xml",
		Locations: storage.LocatorLocations{
			Progression:      ptr(0.4),
			TotalProgression: ptr(0.31),
			Position:         ptr(52),
		},
	}

	_, err := s.UpsertProgress(ctx, storage.ProgressRecord{
		ItemID: "b1", ServerID: "home", Locator: loc, Percentage: ptr(0.31),
	})
	require.NoError(t, err)

	got, err := s.GetProgress(ctx, "b1", "home")
	require.NoError(t, err)
	require.NotNil(t, got.Locator)
	assert.Equal(t, *loc, *got.Locator)
	assert.Nil(t, got.Page)
}

func TestUpsertProgress_RequiresDownloadedItem(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "ghost", ServerID: "home", Page: ptr(1)})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	mustUpsertItem(t, s, testItem("b1", "home"), storage.Relations{})

	_, err = s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b1", ServerID: "office", Page: ptr(1)})
	assert.ErrorIs(t, err, storage.ErrNotFound, "progress must belong to the item's server")

	_, err = s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b1", ServerID: "home", SyncStatus: storage.StatusSyncing})
	assert.Error(t, err)
}

func TestCompletionIsSticky(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertItem(t, s, testItem("b1", "home"), storage.Relations{})

	_, err := s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b1", ServerID: "home", Page: ptr(24), IsComplete: true})
	require.NoError(t, err)

	reread, err := s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b1", ServerID: "home", Page: ptr(2)})
	require.NoError(t, err)
	assert.True(t, reread.IsComplete)
	assert.Equal(t, 2, *reread.Page)

	mirrored, err := s.MirrorProgress(ctx, "b1", "home", storage.ProgressSnapshot{Page: ptr(3)})
	require.NoError(t, err)
	assert.True(t, mirrored.IsComplete)

	require.NoError(t, s.ClearProgress(ctx, "b1", "home"))
	require.NoError(t, s.ClearProgress(ctx, "b1", "home"))

	fresh, err := s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b1", ServerID: "home", Page: ptr(1)})
	require.NoError(t, err)
	assert.False(t, fresh.IsComplete)
}

func TestQueryUnsyncedProgress(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2", "b3"} {
		mustUpsertItem(t, s, testItem(id, "home"), storage.Relations{})
	}

	mustUpsertItem(t, s, testItem("o1", "office"), storage.Relations{})

	_, err := s.MirrorProgress(ctx, "b1", "home", storage.ProgressSnapshot{Page: ptr(1)})
	require.NoError(t, err)

	b2, err := s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b2", ServerID: "home", Page: ptr(2),
		LastModified: fixedNow.Add(-time.Minute)})
	require.NoError(t, err)

	_, err = s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b3", ServerID: "home", Page: ptr(3)})
	require.NoError(t, err)

	_, err = s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "o1", ServerID: "office", Page: ptr(9)})
	require.NoError(t, err)

	// a rejected row is still not SYNCED
	ok, err := s.BeginSync(ctx, "b2", b2.Revision)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.FinishSync(ctx, "b2", b2.Revision, storage.StatusError, "unknown media")
	require.NoError(t, err)
	require.True(t, ok)

	home, err := s.QueryUnsyncedProgress(ctx, "home")
	require.NoError(t, err)
	require.Len(t, home, 2)
	assert.Equal(t, "b2", home[0].ItemID, "oldest change first")
	assert.Equal(t, storage.StatusError, home[0].SyncStatus)
	assert.Equal(t, "unknown media", home[0].SyncError)
	assert.Equal(t, "b3", home[1].ItemID)

	all, err := s.QueryUnsyncedProgress(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	pending, err := s.HasPendingProgress(ctx, "office")
	require.NoError(t, err)
	assert.True(t, pending)

	pending, err = s.HasPendingProgress(ctx, "elsewhere")
	require.NoError(t, err)
	assert.False(t, pending)

	pending, err = s.HasPendingProgress(ctx, "")
	require.NoError(t, err)
	assert.True(t, pending, "an empty server id checks every server")
}

func TestSyncTransitions_RevisionGuard(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertItem(t, s, testItem("b1", "home"), storage.Relations{})

	rec, err := s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b1", ServerID: "home", Page: ptr(4)})
	require.NoError(t, err)

	ok, err := s.BeginSync(ctx, "b1", rec.Revision)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.BeginSync(ctx, "b1", rec.Revision)
	require.NoError(t, err)
	assert.False(t, ok, "a SYNCING row cannot be claimed twice")

	// the reader moves on while the push is in flight
	newer, err := s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b1", ServerID: "home", Page: ptr(5)})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUnsynced, newer.SyncStatus)

	ok, err = s.FinishSync(ctx, "b1", rec.Revision, storage.StatusSynced, "")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetProgress(ctx, "b1", "home")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUnsynced, got.SyncStatus)
	assert.Equal(t, 5, *got.Page)

	ok, err = s.BeginSync(ctx, "b1", got.Revision)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AbortSync(ctx, "b1", got.Revision)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = s.GetProgress(ctx, "b1", "home")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUnsynced, got.SyncStatus)

	_, err = s.FinishSync(ctx, "b1", got.Revision, storage.StatusUnsynced, "")
	assert.Error(t, err)
}

func TestOpen_RecoversInterruptedSyncs(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	mustUpsertItem(t, s, testItem("b1", "home"), storage.Relations{})

	rec, err := s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b1", ServerID: "home", Page: ptr(4)})
	require.NoError(t, err)

	ok, err := s.BeginSync(ctx, "b1", rec.Revision)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.GetProgress(ctx, "b1", "home")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusUnsynced, got.SyncStatus)
	assert.Equal(t, 4, *got.Page)
}

func TestStore_PublishesEvents(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	events, cancel := s.Subscribe()
	defer cancel()

	mustUpsertItem(t, s, testItem("b1", "home"), storage.Relations{})

	_, err := s.UpsertProgress(ctx, storage.ProgressRecord{ItemID: "b1", ServerID: "home", Page: ptr(1)})
	require.NoError(t, err)
	require.NoError(t, s.DeleteItem(ctx, "b1", "home"))

	var kinds []storage.EventKind

	for range 3 {
		select {
		case e := <-events:
			assert.Equal(t, "b1", e.ItemID)
			kinds = append(kinds, e.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}

	assert.Equal(t, []storage.EventKind{
		storage.EventItemUpserted,
		storage.EventProgressChanged,
		storage.EventItemDeleted,
	}, kinds)
}

func TestInstrumentedStore_PassesThrough(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: false})
	require.NoError(t, err)

	is := NewInstrumentedStore(s, tel)

	_, err = is.UpsertItem(ctx, testItem("b1", "home"), storage.Relations{})
	require.NoError(t, err)

	_, err = is.GetItem(ctx, "missing", "home")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	count, err := is.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	servers, err := is.ListServers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"home"}, servers)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	_, path := newTestStore(t)

	db, err := InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RunMigrations(context.Background(), db))
}
