// Package progresssync pushes locally recorded reading progress to the
// servers it belongs to and mirrors server progress into the offline store.
package progresssync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skridofly/stump-offline/internal/logctx"
	"github.com/skridofly/stump-offline/internal/storage"
	"github.com/skridofly/stump-offline/internal/telemetry"
	"github.com/skridofly/stump-offline/internal/transfer"
)

// ErrLocalChangesPending is returned by PullRemoteProgress when the local
// row has changes the server has not seen yet.
var ErrLocalChangesPending = errors.New("local progress has unsynced changes")

// Store is the part of the offline store the engine works on.
type Store interface {
	GetItem(ctx context.Context, id, serverID string) (*storage.DownloadedItem, error)
	ListServers(ctx context.Context) ([]string, error)
	GetProgress(ctx context.Context, itemID, serverID string) (*storage.ProgressRecord, error)
	MirrorProgress(ctx context.Context, itemID, serverID string, snap storage.ProgressSnapshot) (*storage.ProgressRecord, error)
	QueryUnsyncedProgress(ctx context.Context, serverID string) ([]storage.ProgressRecord, error)
	HasPendingProgress(ctx context.Context, serverID string) (bool, error)
	BeginSync(ctx context.Context, itemID string, revision int64) (bool, error)
	FinishSync(ctx context.Context, itemID string, revision int64, status storage.SyncStatus, reason string) (bool, error)
	AbortSync(ctx context.Context, itemID string, revision int64) (bool, error)
}

// Options tune a single Sync call.
type Options struct {
	// RetryErrored also pushes rows a server rejected before.
	RetryErrored bool `json:"retry_errored"`
}

// ServerResult is the outcome of syncing one server.
type ServerResult struct {
	ServerID string `json:"server_id"`
	Synced   int    `json:"synced"`
	Rejected int    `json:"rejected"`
	// Superseded counts rows written locally while their push was running.
	Superseded int `json:"superseded"`
	// Pending counts claimed rows handed back unpushed.
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`

	Err error `json:"-"`
}

// Report is the outcome of a Sync call.
type Report struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Servers    []ServerResult `json:"servers"`
}

// Err joins the errors of every server that did not sync cleanly.
func (r *Report) Err() error {
	var errs []error

	for _, s := range r.Servers {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", s.ServerID, s.Err))
		}
	}

	return errors.Join(errs...)
}

// Engine reconciles local progress with the servers.
type Engine struct {
	store       Store
	clients     transfer.ClientFactory
	telemetry   *telemetry.Telemetry
	servers     []string
	maxParallel int

	mu          sync.Mutex
	serverLocks map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithServers sets the configured server ids that are synced by default
// alongside the servers found in the store.
func WithServers(ids ...string) Option {
	return func(e *Engine) { e.servers = ids }
}

// WithMaxParallel limits how many servers sync at the same time.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// NewEngine creates a sync engine.
func NewEngine(store Store, clients transfer.ClientFactory, tel *telemetry.Telemetry, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		clients:     clients,
		telemetry:   tel,
		maxParallel: 4,
		serverLocks: map[string]*sync.Mutex{},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) serverLock(serverID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.serverLocks[serverID]
	if !ok {
		l = &sync.Mutex{}
		e.serverLocks[serverID] = l
	}

	return l
}

func (e *Engine) targets(ctx context.Context, serverIDs []string) ([]string, error) {
	if len(serverIDs) > 0 {
		ids := slices.Clone(serverIDs)
		slices.Sort(ids)

		return slices.Compact(ids), nil
	}

	stored, err := e.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	ids := append(slices.Clone(e.servers), stored...)
	slices.Sort(ids)

	return slices.Compact(ids), nil
}

// Sync pushes pending progress of the given servers, or of every known
// server when none is given. Servers sync concurrently and independently;
// the returned error is only set when the run could not start, per-server
// failures are reported through Report.Err.
func (e *Engine) Sync(ctx context.Context, opts Options, serverIDs ...string) (*Report, error) {
	runID := telemetry.NewRunID()
	ctx = telemetry.WithRequestID(ctx, runID)
	logger := logctx.LoggerFromContext(ctx).With("run_id", runID)
	ctx = logctx.WithLogger(ctx, logger)

	targets, err := e.targets(ctx, serverIDs)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Servers:   make([]ServerResult, len(targets)),
	}

	logger.Info("progress sync started", "servers", len(targets), "retry_errored", opts.RetryErrored)

	var g errgroup.Group

	sem := make(chan struct{}, e.maxParallel)

	for i, serverID := range targets {
		sem <- struct{}{}

		g.Go(func() error {
			defer func() { <-sem }()

			report.Servers[i] = e.syncServer(ctx, serverID, opts)

			return nil
		})
	}

	_ = g.Wait()

	report.FinishedAt = time.Now().UTC()

	if err := report.Err(); err != nil {
		logger.Warn("progress sync finished with errors", "err", err)
	} else {
		logger.Info("progress sync finished")
	}

	return report, nil
}

func (e *Engine) syncServer(ctx context.Context, serverID string, opts Options) ServerResult {
	ctx = logctx.WithServerID(ctx, serverID)
	result := ServerResult{ServerID: serverID}

	lock := e.serverLock(serverID)
	lock.Lock()
	defer lock.Unlock()

	err := e.telemetry.InstrumentSync(ctx, func(ctx context.Context) error {
		return e.pushServer(ctx, serverID, opts, &result)
	})
	if err != nil {
		result.Err = err
		result.Error = err.Error()
	}

	logctx.LoggerFromContext(ctx).Info("server progress synced",
		"synced", result.Synced,
		"rejected", result.Rejected,
		"superseded", result.Superseded,
		"pending", result.Pending,
		"err", err)

	return result
}

func (e *Engine) pushServer(ctx context.Context, serverID string, opts Options, result *ServerResult) error {
	logger := logctx.LoggerFromContext(ctx)

	records, err := e.store.QueryUnsyncedProgress(ctx, serverID)
	if err != nil {
		return err
	}

	pushable := records[:0]

	for _, rec := range records {
		switch rec.SyncStatus {
		case storage.StatusUnsynced:
			pushable = append(pushable, rec)
		case storage.StatusError:
			if opts.RetryErrored {
				pushable = append(pushable, rec)
			}
		}
	}

	if len(pushable) == 0 {
		return nil
	}

	client, err := e.clients.ClientFor(ctx, serverID)
	if err != nil {
		result.Pending = len(pushable)

		return fmt.Errorf("failed to get client: %w", err)
	}

	// Status transitions must land even when ctx is cancelled mid-push.
	storeCtx := context.WithoutCancel(ctx)

	for i, rec := range pushable {
		claimed, err := e.store.BeginSync(storeCtx, rec.ItemID, rec.Revision)
		if err != nil {
			result.Pending = len(pushable) - i

			return err
		}

		if !claimed {
			result.Superseded++

			continue
		}

		pushErr := client.UpdateProgress(ctx, rec.ItemID, PayloadFor(rec))

		var rejected *transfer.RejectedError

		switch {
		case pushErr == nil:
			applied, err := e.store.FinishSync(storeCtx, rec.ItemID, rec.Revision, storage.StatusSynced, "")
			if err != nil {
				result.Pending = len(pushable) - i

				return err
			}

			e.telemetry.RecordSyncPush("success")

			if applied {
				result.Synced++
			} else {
				result.Superseded++
			}
		case errors.As(pushErr, &rejected):
			logger.Warn("server rejected progress", "item_id", rec.ItemID, "reason", rejected.Reason)
			e.telemetry.RecordSyncPush("rejected")

			if _, err := e.store.FinishSync(storeCtx, rec.ItemID, rec.Revision, storage.StatusError, rejected.Reason); err != nil {
				result.Pending = len(pushable) - i

				return err
			}

			result.Rejected++
		default:
			e.telemetry.RecordSyncPush("error")

			if err := e.release(storeCtx, rec); err != nil {
				logger.Error("failed to release progress row", "item_id", rec.ItemID, "err", err)
				e.telemetry.RecordSystemError("progress_sync", "release_failed")
			}

			result.Pending = len(pushable) - i

			return fmt.Errorf("failed to push progress of item %s: %w", rec.ItemID, pushErr)
		}
	}

	return nil
}

// release hands a claimed row back after a transport failure. A row that
// was only pushed as an explicit retry goes back to ERROR with its previous
// reason, so scheduled syncs keep skipping it.
func (e *Engine) release(ctx context.Context, rec storage.ProgressRecord) error {
	if rec.SyncStatus == storage.StatusError {
		_, err := e.store.FinishSync(ctx, rec.ItemID, rec.Revision, storage.StatusError, rec.SyncError)

		return err
	}

	_, err := e.store.AbortSync(ctx, rec.ItemID, rec.Revision)

	return err
}

// PayloadFor maps a progress row to the server input: rows with a locator
// are reflowable progress, everything else is paged.
func PayloadFor(rec storage.ProgressRecord) transfer.ProgressInput {
	if rec.Locator != nil {
		var pct float64
		if rec.Percentage != nil {
			pct = *rec.Percentage
		}

		return transfer.ProgressInput{Epub: &transfer.EpubProgress{
			Locator:        *rec.Locator,
			Percentage:     pct,
			ElapsedSeconds: rec.ElapsedSeconds,
			IsComplete:     rec.IsComplete || pct >= 1,
		}}
	}

	page := 1
	if rec.Page != nil {
		page = *rec.Page
	}

	return transfer.ProgressInput{Paged: &transfer.PagedProgress{
		Page:           page,
		ElapsedSeconds: rec.ElapsedSeconds,
	}}
}

// MirrorOnlineProgress stores progress observed while reading online, but
// only for items that are downloaded. It reports whether the row was
// written; failures are logged and never returned.
func (e *Engine) MirrorOnlineProgress(ctx context.Context, itemID, serverID string, snap storage.ProgressSnapshot) bool {
	ctx = logctx.WithItemID(logctx.WithServerID(ctx, serverID), itemID)
	logger := logctx.LoggerFromContext(ctx)

	if _, err := e.store.GetItem(ctx, itemID, serverID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Error("failed to look up item for mirroring", "err", err)
		}

		return false
	}

	if _, err := e.store.MirrorProgress(ctx, itemID, serverID, snap); err != nil {
		logger.Error("failed to mirror online progress", "err", err)

		return false
	}

	logger.Debug("mirrored online progress")

	return true
}

// PullRemoteProgress refreshes a downloaded item's progress from its server.
// It returns nil when the server has no progress for the item, and
// ErrLocalChangesPending when the local row still has to be pushed.
func (e *Engine) PullRemoteProgress(ctx context.Context, serverID, itemID string) (*storage.ProgressRecord, error) {
	ctx = logctx.WithItemID(logctx.WithServerID(ctx, serverID), itemID)

	if _, err := e.store.GetItem(ctx, itemID, serverID); err != nil {
		return nil, err
	}

	local, err := e.store.GetProgress(ctx, itemID, serverID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if local != nil && local.SyncStatus != storage.StatusSynced {
		return local, ErrLocalChangesPending
	}

	client, err := e.clients.ClientFor(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	remote, err := client.GetProgress(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote progress: %w", err)
	}

	if remote == nil {
		return nil, nil
	}

	rec, err := e.store.MirrorProgress(ctx, itemID, serverID, remote.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to store remote progress: %w", err)
	}

	return rec, nil
}

// HasPending reports whether serverID has progress waiting to be pushed. An
// empty serverID checks every server.
func (e *Engine) HasPending(ctx context.Context, serverID string) (bool, error) {
	return e.store.HasPendingProgress(ctx, serverID)
}
