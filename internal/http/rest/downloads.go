package rest

import (
	"net/http"

	"github.com/dustin/go-humanize"

	"github.com/skridofly/stump-offline/internal/downloader"
	"github.com/skridofly/stump-offline/internal/storage"
)

type itemResponse struct {
	storage.DownloadedItem
	SizeHuman string `json:"size_human,omitempty"`
}

func toItemResponse(item storage.DownloadedItem) itemResponse {
	resp := itemResponse{DownloadedItem: item}
	if item.Size != nil {
		resp.SizeHuman = humanize.Bytes(uint64(*item.Size))
	}

	return resp
}

func (h *Handler) listDownloads(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListItems(r.Context(), r.URL.Query().Get("server_id"))
	if err != nil {
		respondErr(w, r, err)

		return
	}

	resp := make([]itemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, toItemResponse(item))
	}

	respondJSON(w, r, http.StatusOK, resp)
}

func (h *Handler) countDownloads(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.CountItems(r.Context())
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, map[string]uint64{"count": n})
}

func (h *Handler) getDownload(w http.ResponseWriter, r *http.Request) {
	ctx, serverID, itemID := itemContext(r)

	item, err := h.store.GetItem(ctx, itemID, serverID)
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, toItemResponse(*item))
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	ctx, serverID, _ := itemContext(r)

	var p downloader.DownloadParams
	if !decodeBody(w, r, &p) {
		return
	}

	p.ServerID = serverID
	if p.ItemID == "" {
		respondError(w, r, http.StatusBadRequest, "item_id is required")

		return
	}

	path, err := h.downloads.Download(ctx, p)
	if err != nil {
		respondErr(w, r, err)

		return
	}

	item, err := h.store.GetItem(ctx, p.ItemID, serverID)
	if err != nil {
		respondErr(w, r, err)

		return
	}

	resp := toItemResponse(*item)
	resp.URI = path

	respondJSON(w, r, http.StatusCreated, resp)
}

func (h *Handler) deleteDownload(w http.ResponseWriter, r *http.Request) {
	ctx, serverID, itemID := itemContext(r)

	if err := h.downloads.Delete(ctx, itemID, serverID); err != nil {
		respondErr(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type deleteManyRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) deleteMany(w http.ResponseWriter, r *http.Request) {
	ctx, serverID, _ := itemContext(r)

	var req deleteManyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	respondJSON(w, r, http.StatusOK, h.downloads.DeleteMany(ctx, req.IDs, serverID))
}

func (h *Handler) deleteServer(w http.ResponseWriter, r *http.Request) {
	ctx, serverID, _ := itemContext(r)

	report, err := h.downloads.DeleteAllForServer(ctx, serverID)
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, report)
}

func (h *Handler) deleteAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.downloads.DeleteAll(r.Context())
	if err != nil {
		respondErr(w, r, err)

		return
	}

	respondJSON(w, r, http.StatusOK, report)
}
