package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/skridofly/stump-offline/internal/cleanup"
	"github.com/skridofly/stump-offline/internal/downloader/progress"
	"github.com/skridofly/stump-offline/internal/logctx"
	"github.com/skridofly/stump-offline/internal/media"
	"github.com/skridofly/stump-offline/internal/storage"
	"github.com/skridofly/stump-offline/internal/telemetry"
	"github.com/skridofly/stump-offline/internal/transfer"
)

const (
	dirPerm          = 0755
	progressInterval = int64(10 * 1024 * 1024) // 10MB
)

// Store is the part of the offline store the downloader writes through.
type Store interface {
	GetItem(ctx context.Context, id, serverID string) (*storage.DownloadedItem, error)
	UpsertItem(ctx context.Context, item storage.DownloadedItem, rel storage.Relations) (*storage.DownloadedItem, error)
	DeleteItem(ctx context.Context, id, serverID string) error
	ListItems(ctx context.Context, serverID string) ([]storage.DownloadedItem, error)
	ListServers(ctx context.Context) ([]string, error)
}

// DownloadParams describes a book to make available offline.
type DownloadParams struct {
	ServerID string `json:"server_id"`
	ItemID   string `json:"item_id"`
	// URL defaults to the server's file endpoint for the item.
	URL string `json:"url,omitempty"`
	// Filename is the source filename; its extension names the local file.
	Filename    string          `json:"filename"`
	BookName    string          `json:"book_name"`
	Description string          `json:"description,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	TOC         json.RawMessage `json:"toc,omitempty"`

	Series   *storage.SeriesRef        `json:"series,omitempty"`
	Library  *storage.LibraryRef       `json:"library,omitempty"`
	Progress *storage.ProgressSnapshot `json:"progress,omitempty"`
}

// DeleteFailure is an item a batch delete could not remove.
type DeleteFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// DeleteReport is the outcome of a batch delete.
type DeleteReport struct {
	Deleted          []string        `json:"deleted"`
	Failed           []DeleteFailure `json:"failed"`
	ArtifactFailures int             `json:"artifact_failures"`
}

func (r *DeleteReport) merge(other DeleteReport) {
	r.Deleted = append(r.Deleted, other.Deleted...)
	r.Failed = append(r.Failed, other.Failed...)
	r.ArtifactFailures += other.ArtifactFailures
}

// Manager downloads books into the offline store and removes them again.
// Download and delete of the same item are serialized.
type Manager struct {
	store         Store
	clients       transfer.ClientFactory
	telemetry     *telemetry.Telemetry
	booksDir      string
	thumbnailsDir string

	locks keyedMutex
	group singleflight.Group
}

// NewManager creates a download manager writing books under booksDir and
// thumbnails under thumbnailsDir.
func NewManager(store Store, clients transfer.ClientFactory, tel *telemetry.Telemetry, booksDir, thumbnailsDir string) *Manager {
	return &Manager{
		store:         store,
		clients:       clients,
		telemetry:     tel,
		booksDir:      booksDir,
		thumbnailsDir: thumbnailsDir,
	}
}

func itemKey(serverID, id string) string {
	return serverID + "/" + id
}

// BookPath is the local path of a downloaded book.
func (m *Manager) BookPath(serverID, id, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}

	return filepath.Join(m.booksDir, serverID, id+ext)
}

// ThumbnailPath is the local path of an item's thumbnail.
func (m *Manager) ThumbnailPath(serverID, id string) string {
	return filepath.Join(m.thumbnailsDir, serverID, id+".jpg")
}

// Download makes the item available offline and returns its local path. An
// item that is already downloaded is not fetched again. A failed transfer
// is a *transfer.TransferError and leaves neither a file nor a store row.
func (m *Manager) Download(ctx context.Context, p DownloadParams) (string, error) {
	if p.ServerID == "" || p.ItemID == "" {
		return "", errors.New("server id and item id are required")
	}

	ctx = logctx.WithItemID(logctx.WithServerID(ctx, p.ServerID), p.ItemID)
	key := itemKey(p.ServerID, p.ItemID)

	v, err, shared := m.group.Do(key, func() (any, error) {
		unlock := m.locks.Lock(key)
		defer unlock()

		return m.download(ctx, p)
	})
	if err != nil {
		return "", err
	}

	if shared {
		logctx.LoggerFromContext(ctx).Debug("joined in-flight download")
	}

	return v.(string), nil
}

func (m *Manager) download(ctx context.Context, p DownloadParams) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	existing, err := m.store.GetItem(ctx, p.ItemID, p.ServerID)
	if err == nil {
		logger.Debug("item already downloaded", "path", existing.URI)

		return existing.URI, nil
	}

	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to look up item: %w", err)
	}

	client, err := m.clients.ClientFor(ctx, p.ServerID)
	if err != nil {
		return "", fmt.Errorf("failed to get client: %w", err)
	}

	url := p.URL
	if url == "" {
		url = client.DownloadURL(p.ItemID)
	}

	filename := p.Filename
	if filename == "" {
		filename = p.ItemID
	}

	targetPath := m.BookPath(p.ServerID, p.ItemID, filename)

	var size int64

	err = m.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		var err error

		size, err = m.fetch(ctx, client, url, targetPath, logger)

		return err
	})
	if err != nil {
		return "", err
	}

	item := storage.DownloadedItem{
		ID:          p.ItemID,
		ServerID:    p.ServerID,
		Filename:    filename,
		URI:         targetPath,
		Size:        &size,
		BookName:    p.BookName,
		Description: p.Description,
		Metadata:    p.Metadata,
		TOC:         p.TOC,
		Pages:       m.pageCount(ctx, targetPath, logger),
	}

	if p.Series != nil {
		item.SeriesID = p.Series.ID
	}

	thumbPath := m.ThumbnailPath(p.ServerID, p.ItemID)
	m.thumbnail(ctx, targetPath, thumbPath, logger)

	if _, err := m.store.UpsertItem(ctx, item, storage.Relations{
		Series:   p.Series,
		Library:  p.Library,
		Progress: p.Progress,
	}); err != nil {
		cleanup.RemoveArtifacts(ctx,
			cleanup.Artifact{Kind: cleanup.KindFile, Path: targetPath},
			cleanup.Artifact{Kind: cleanup.KindThumbnail, Path: thumbPath, Optional: true},
		)

		return "", fmt.Errorf("failed to record download: %w", err)
	}

	logger.Info("downloaded item", "path", targetPath, "size", humanize.Bytes(uint64(size)), "pages", item.Pages)

	return targetPath, nil
}

// fetch writes the remote bytes to a .part file next to targetPath and
// renames it into place only when the transfer succeeded.
func (m *Manager) fetch(ctx context.Context, client transfer.RemoteClient, url, targetPath string, logger *slog.Logger) (int64, error) {
	if err := ensureTargetDir(targetPath, logger); err != nil {
		return 0, err
	}

	partPath := targetPath + ".part"

	out, err := os.Create(partPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create target file: %w", err)
	}

	progressCb := func(written int64, _ int64) {
		logger.Debug("download progress", "url", url, "downloaded", humanize.Bytes(uint64(written)))
	}

	pw := progress.NewWriter(ctx, out, 0, progressInterval, progressCb)

	n, err := client.DownloadFile(ctx, url, pw)
	closeErr := out.Close()

	if err == nil && closeErr != nil {
		err = &transfer.TransferError{URL: url, Err: closeErr}
	}

	if err != nil {
		if rmErr := os.Remove(partPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("failed to remove partial download", "path", partPath, "err", rmErr)
		}

		var transferErr *transfer.TransferError
		if !errors.As(err, &transferErr) {
			err = &transfer.TransferError{URL: url, Err: err}
		}

		logger.Error("failed to download item", "url", url, "err", err)

		return 0, err
	}

	if err := os.Rename(partPath, targetPath); err != nil {
		os.Remove(partPath)

		return 0, fmt.Errorf("failed to move download into place: %w", err)
	}

	return n, nil
}

func (m *Manager) pageCount(ctx context.Context, path string, logger *slog.Logger) int {
	pages, err := media.PageCount(ctx, path)
	if err != nil {
		logger.Warn("failed to derive page count", "path", path, "err", err)

		return 0
	}

	return pages
}

func (m *Manager) thumbnail(ctx context.Context, src, dst string, logger *slog.Logger) {
	err := media.GenerateThumbnail(ctx, src, dst)

	switch {
	case err == nil:
		logger.Debug("generated thumbnail", "path", dst)
	case errors.Is(err, media.ErrUnsupported):
		logger.Debug("no thumbnail for format", "path", src)
	default:
		logger.Warn("failed to generate thumbnail", "path", src, "err", err)
	}
}

// Delete removes a downloaded item, its book file and its thumbnail. A
// missing item is not an error. Failing to remove a file is logged and
// does not keep the store row.
func (m *Manager) Delete(ctx context.Context, id, serverID string) error {
	_, err := m.delete(ctx, id, serverID)

	return err
}

func (m *Manager) delete(ctx context.Context, id, serverID string) ([]*cleanup.ArtifactError, error) {
	ctx = logctx.WithItemID(logctx.WithServerID(ctx, serverID), id)
	logger := logctx.LoggerFromContext(ctx)

	unlock := m.locks.Lock(itemKey(serverID, id))
	defer unlock()

	item, err := m.store.GetItem(ctx, id, serverID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("item is not downloaded, nothing to delete")

		return nil, nil
	}

	if err != nil {
		m.telemetry.RecordDeletion("error")

		return nil, fmt.Errorf("failed to look up item: %w", err)
	}

	failures := cleanup.RemoveArtifacts(ctx,
		cleanup.Artifact{Kind: cleanup.KindFile, Path: item.URI},
		cleanup.Artifact{Kind: cleanup.KindThumbnail, Path: m.ThumbnailPath(serverID, id), Optional: true},
	)

	for _, f := range failures {
		m.telemetry.RecordArtifactFailure(f.Kind)
	}

	if err := m.store.DeleteItem(ctx, id, serverID); err != nil {
		m.telemetry.RecordDeletion("error")

		return failures, fmt.Errorf("failed to delete item: %w", err)
	}

	m.telemetry.RecordDeletion("success")
	logger.Info("deleted item", "artifact_failures", len(failures))

	return failures, nil
}

// DeleteMany deletes ids one after another, continuing past failures.
func (m *Manager) DeleteMany(ctx context.Context, ids []string, serverID string) DeleteReport {
	report := DeleteReport{Deleted: []string{}, Failed: []DeleteFailure{}}

	for _, id := range ids {
		failures, err := m.delete(ctx, id, serverID)
		report.ArtifactFailures += len(failures)

		if err != nil {
			report.Failed = append(report.Failed, DeleteFailure{ID: id, Reason: err.Error()})

			continue
		}

		report.Deleted = append(report.Deleted, id)
	}

	return report
}

// DeleteAllForServer deletes every item downloaded from serverID.
func (m *Manager) DeleteAllForServer(ctx context.Context, serverID string) (DeleteReport, error) {
	items, err := m.store.ListItems(ctx, serverID)
	if err != nil {
		return DeleteReport{}, fmt.Errorf("failed to list items: %w", err)
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}

	report := m.DeleteMany(ctx, ids, serverID)

	logctx.LoggerFromContext(ctx).Info("deleted server downloads",
		"server_id", serverID,
		"deleted", len(report.Deleted),
		"failed", len(report.Failed),
		"artifact_failures", report.ArtifactFailures)

	return report, nil
}

// DeleteAll deletes every downloaded item of every server.
func (m *Manager) DeleteAll(ctx context.Context) (DeleteReport, error) {
	servers, err := m.store.ListServers(ctx)
	if err != nil {
		return DeleteReport{}, fmt.Errorf("failed to list servers: %w", err)
	}

	report := DeleteReport{Deleted: []string{}, Failed: []DeleteFailure{}}

	for _, serverID := range servers {
		r, err := m.DeleteAllForServer(ctx, serverID)
		if err != nil {
			return report, err
		}

		report.merge(r)
	}

	return report, nil
}

func ensureTargetDir(targetPath string, logger *slog.Logger) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return fmt.Errorf("failed to create target directory: %w", err)
	}

	return nil
}
