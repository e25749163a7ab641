package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skridofly/stump-offline/internal/logctx"
	"github.com/skridofly/stump-offline/internal/storage"
)

// Artifact kinds.
const (
	KindFile      = "file"
	KindThumbnail = "thumbnail"
)

// Artifact is a file on disk that belongs to a downloaded item.
type Artifact struct {
	Kind string
	Path string
	// Optional artifacts may legitimately be absent.
	Optional bool
}

// ArtifactError records one artifact that could not be removed.
type ArtifactError struct {
	Kind string
	Path string
	Err  error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("remove %s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}

// RemoveArtifacts removes every artifact, logging each failure on its own.
// A failure never stops the remaining removals.
func RemoveArtifacts(ctx context.Context, artifacts ...Artifact) []*ArtifactError {
	logger := logctx.LoggerFromContext(ctx)

	var failures []*ArtifactError

	for _, a := range artifacts {
		if a.Path == "" {
			continue
		}

		err := os.Remove(a.Path)
		if err == nil {
			logger.Debug("removed artifact", "kind", a.Kind, "path", a.Path)

			continue
		}

		if a.Optional && errors.Is(err, os.ErrNotExist) {
			continue
		}

		logger.Warn("failed to remove artifact", "kind", a.Kind, "path", a.Path, "err", err)

		failures = append(failures, &ArtifactError{Kind: a.Kind, Path: a.Path, Err: err})
	}

	return failures
}

// ItemLookup finds downloaded items.
type ItemLookup interface {
	GetItem(ctx context.Context, id, serverID string) (*storage.DownloadedItem, error)
}

// SweepReport summarizes an orphan sweep.
type SweepReport struct {
	Removed []string
	Failed  int
}

// SweepOrphans removes files laid out as {dir}/{server}/{id}.{ext} that have
// no downloaded item, such as a book written by a process that died before
// recording it. Files younger than minAge are left alone because a download
// may still be about to record them.
func SweepOrphans(ctx context.Context, lookup ItemLookup, minAge time.Duration, dirs ...string) (SweepReport, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	var report SweepReport

	for _, dir := range dirs {
		servers, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err != nil {
			return report, fmt.Errorf("read %s: %w", dir, err)
		}

		for _, server := range servers {
			if !server.IsDir() {
				continue
			}

			serverID := server.Name()
			serverDir := filepath.Join(dir, serverID)

			entries, err := os.ReadDir(serverDir)
			if err != nil {
				logger.Error("failed to read server directory", "dir", serverDir, "err", err)
				report.Failed++

				continue
			}

			for _, entry := range entries {
				if err := ctx.Err(); err != nil {
					return report, err
				}

				if entry.IsDir() {
					continue
				}

				info, err := entry.Info()
				if err != nil || now.Sub(info.ModTime()) < minAge {
					continue
				}

				path := filepath.Join(serverDir, entry.Name())

				orphan, err := isOrphan(ctx, lookup, serverID, entry.Name())
				if err != nil {
					return report, err
				}

				if !orphan {
					continue
				}

				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					logger.Warn("failed to remove orphaned file", "path", path, "err", err)
					report.Failed++

					continue
				}

				logger.Info("removed orphaned file", "path", path, "server_id", serverID)
				report.Removed = append(report.Removed, path)
			}
		}
	}

	return report, nil
}

func isOrphan(ctx context.Context, lookup ItemLookup, serverID, name string) (bool, error) {
	// an abandoned partial download is always an orphan once old enough
	if strings.HasSuffix(name, ".part") {
		return true, nil
	}

	id := strings.TrimSuffix(name, filepath.Ext(name))

	_, err := lookup.GetItem(ctx, id, serverID)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}

	if err != nil {
		return false, fmt.Errorf("look up %s/%s: %w", serverID, id, err)
	}

	return false, nil
}
