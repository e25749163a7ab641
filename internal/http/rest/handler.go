package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/skridofly/stump-offline/internal/credentials"
	"github.com/skridofly/stump-offline/internal/downloader"
	"github.com/skridofly/stump-offline/internal/logctx"
	"github.com/skridofly/stump-offline/internal/progresssync"
	"github.com/skridofly/stump-offline/internal/storage"
	"github.com/skridofly/stump-offline/internal/transfer"
)

const maxBodySize = 1 << 20 // 1MB

// Store is the part of the offline store the API reads and writes directly.
type Store interface {
	ListItems(ctx context.Context, serverID string) ([]storage.DownloadedItem, error)
	CountItems(ctx context.Context) (uint64, error)
	GetItem(ctx context.Context, id, serverID string) (*storage.DownloadedItem, error)
	GetProgress(ctx context.Context, itemID, serverID string) (*storage.ProgressRecord, error)
	UpsertProgress(ctx context.Context, rec storage.ProgressRecord) (*storage.ProgressRecord, error)
	ClearProgress(ctx context.Context, itemID, serverID string) error
	QueryUnsyncedProgress(ctx context.Context, serverID string) ([]storage.ProgressRecord, error)
}

// Downloads manages the files of downloaded items.
type Downloads interface {
	Download(ctx context.Context, p downloader.DownloadParams) (string, error)
	Delete(ctx context.Context, id, serverID string) error
	DeleteMany(ctx context.Context, ids []string, serverID string) downloader.DeleteReport
	DeleteAllForServer(ctx context.Context, serverID string) (downloader.DeleteReport, error)
	DeleteAll(ctx context.Context) (downloader.DeleteReport, error)
}

// Syncer reconciles progress with the servers.
type Syncer interface {
	Sync(ctx context.Context, opts progresssync.Options, serverIDs ...string) (*progresssync.Report, error)
	MirrorOnlineProgress(ctx context.Context, itemID, serverID string, snap storage.ProgressSnapshot) bool
	PullRemoteProgress(ctx context.Context, serverID, itemID string) (*storage.ProgressRecord, error)
	HasPending(ctx context.Context, serverID string) (bool, error)
}

// EventSource streams committed store changes.
type EventSource interface {
	Subscribe() (<-chan storage.Event, func())
}

// Handler serves the local API the reader UI talks to.
type Handler struct {
	store     Store
	downloads Downloads
	sync      Syncer
	events    EventSource
}

// NewHandler creates the API handler.
func NewHandler(store Store, downloads Downloads, sync Syncer, events EventSource) *Handler {
	return &Handler{
		store:     store,
		downloads: downloads,
		sync:      sync,
		events:    events,
	}
}

// Routes returns the API router, mounted under /api.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", h.listDownloads)
			r.Delete("/", h.deleteAll)
			r.Get("/count", h.countDownloads)
			r.Post("/{serverID}", h.download)
			r.Delete("/{serverID}", h.deleteServer)
			r.Post("/{serverID}/delete", h.deleteMany)
			r.Get("/{serverID}/{itemID}", h.getDownload)
			r.Delete("/{serverID}/{itemID}", h.deleteDownload)
		})

		r.Route("/progress", func(r chi.Router) {
			r.Get("/unsynced", h.listUnsynced)
			r.Get("/{serverID}/{itemID}", h.getProgress)
			r.Put("/{serverID}/{itemID}", h.putProgress)
			r.Delete("/{serverID}/{itemID}", h.clearProgress)
			r.Post("/{serverID}/{itemID}/mirror", h.mirrorProgress)
			r.Post("/{serverID}/{itemID}/pull", h.pullProgress)
		})

		r.Post("/sync", h.runSync)
		r.Get("/sync/pending", h.hasPending)
		r.Post("/pagesets", h.pageSets)
		r.Get("/events", h.streamEvents)
	})

	return r
}

func respondJSON(w http.ResponseWriter, r *http.Request, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, code int, message string) {
	respondJSON(w, r, code, map[string]string{"error": message})
}

// respondErr maps domain errors to HTTP statuses.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		authErr     *transfer.AuthenticationError
		rejectedErr *transfer.RejectedError
		transferErr *transfer.TransferError
		networkErr  *transfer.NetworkError
	)

	code := http.StatusInternalServerError

	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, credentials.ErrUnknownServer):
		code = http.StatusNotFound
	case errors.Is(err, progresssync.ErrLocalChangesPending):
		code = http.StatusConflict
	case errors.As(err, &rejectedErr):
		code = http.StatusUnprocessableEntity
	case errors.As(err, &authErr), errors.As(err, &transferErr), errors.As(err, &networkErr):
		code = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}

	if code >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("request failed", "err", err)
	}

	respondError(w, r, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())

		return false
	}

	return true
}

// itemContext adds the route's server and item ids to the request logger.
func itemContext(r *http.Request) (ctx context.Context, serverID, itemID string) {
	serverID = chi.URLParam(r, "serverID")
	itemID = chi.URLParam(r, "itemID")

	ctx = logctx.WithServerID(r.Context(), serverID)
	if itemID != "" {
		ctx = logctx.WithItemID(ctx, itemID)
	}

	return ctx, serverID, itemID
}
