package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/skridofly/stump-offline/internal/pageset"
	"github.com/skridofly/stump-offline/internal/progresssync"
	"github.com/skridofly/stump-offline/internal/storage"
)

type progressRequest struct {
	Page           *int             `json:"page"`
	Locator        *storage.Locator `json:"locator"`
	ElapsedSeconds *int64           `json:"elapsed_seconds"`
	Percentage     *float64         `json:"percentage"`
	IsComplete     bool             `json:"is_complete"`
	// UpdatedAt is only read when mirroring server progress.
	UpdatedAt time.Time `json:"updated_at"`
}

func (req progressRequest) validate() error {
	if req.Page != nil && *req.Page < 0 {
		return errors.New("page must not be negative")
	}

	if req.Percentage != nil && (*req.Percentage < 0 || *req.Percentage > 1) {
		return errors.New("percentage must be between 0 and 1")
	}

	return nil
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request) {
	ctx, serverID, itemID := itemContext(r)

	rec, err := h.store.GetProgress(ctx, itemID, serverID)
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, rec)
}

// putProgress records a position reached while reading offline. The row is
// stored UNSYNCED until the next sync pushes it.
func (h *Handler) putProgress(w http.ResponseWriter, r *http.Request) {
	ctx, serverID, itemID := itemContext(r)

	var req progressRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := req.validate(); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())

		return
	}

	rec, err := h.store.UpsertProgress(ctx, storage.ProgressRecord{
		ItemID:         itemID,
		ServerID:       serverID,
		Page:           req.Page,
		Locator:        req.Locator,
		ElapsedSeconds: req.ElapsedSeconds,
		Percentage:     req.Percentage,
		IsComplete:     req.IsComplete,
	})
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, rec)
}

func (h *Handler) clearProgress(w http.ResponseWriter, r *http.Request) {
	ctx, serverID, itemID := itemContext(r)

	if err := h.store.ClearProgress(ctx, itemID, serverID); err != nil {
		respondErr(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) mirrorProgress(w http.ResponseWriter, r *http.Request) {
	ctx, serverID, itemID := itemContext(r)

	var req progressRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := req.validate(); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())

		return
	}

	mirrored := h.sync.MirrorOnlineProgress(ctx, itemID, serverID, storage.ProgressSnapshot{
		Page:           req.Page,
		Locator:        req.Locator,
		ElapsedSeconds: req.ElapsedSeconds,
		Percentage:     req.Percentage,
		IsComplete:     req.IsComplete,
		UpdatedAt:      req.UpdatedAt,
	})

	respondJSON(w, r, http.StatusOK, map[string]bool{"mirrored": mirrored})
}

func (h *Handler) pullProgress(w http.ResponseWriter, r *http.Request) {
	ctx, serverID, itemID := itemContext(r)

	rec, err := h.sync.PullRemoteProgress(ctx, serverID, itemID)

	switch {
	case errors.Is(err, progresssync.ErrLocalChangesPending):
		respondJSON(w, r, http.StatusConflict, map[string]any{"error": err.Error(), "progress": rec})
	case err != nil:
		respondErr(w, r, err)
	case rec == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		respondJSON(w, r, http.StatusOK, rec)
	}
}

func (h *Handler) listUnsynced(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.QueryUnsyncedProgress(r.Context(), r.URL.Query().Get("server_id"))
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, records)
}

type syncRequest struct {
	ServerIDs    []string `json:"server_ids"`
	RetryErrored bool     `json:"retry_errored"`
}

func (h *Handler) runSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest

	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	report, err := h.sync.Sync(r.Context(), progresssync.Options{RetryErrored: req.RetryErrored}, req.ServerIDs...)
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, report)
}

func (h *Handler) hasPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.sync.HasPending(r.Context(), r.URL.Query().Get("server_id"))
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, map[string]bool{"pending": pending})
}

type pageSetRequest struct {
	PageCount          int             `json:"page_count"`
	Ratios             map[int]float64 `json:"ratios"`
	DoublePage         bool            `json:"double_page"`
	SecondPageSeparate bool            `json:"second_page_separate"`
	RightToLeft        bool            `json:"right_to_left"`
}

func (h *Handler) pageSets(w http.ResponseWriter, r *http.Request) {
	var req pageSetRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sets := pageset.Generate(req.PageCount, req.Ratios, pageset.Options{
		DoublePage:         req.DoublePage,
		SecondPageSeparate: req.SecondPageSeparate,
		RightToLeft:        req.RightToLeft,
	})

	respondJSON(w, r, http.StatusOK, map[string][][]int{"sets": sets})
}
