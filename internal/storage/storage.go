package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a downloaded item or its progress row does not exist.
var ErrNotFound = errors.New("not found")

// SyncStatus tracks whether a progress row has been acknowledged by its server.
type SyncStatus string

const (
	// StatusUnsynced marks a local change that still has to be pushed.
	StatusUnsynced SyncStatus = "UNSYNCED"
	// StatusSyncing marks a row claimed by a running push.
	StatusSyncing SyncStatus = "SYNCING"
	// StatusSynced marks a row that matches what the server acknowledged.
	StatusSynced SyncStatus = "SYNCED"
	// StatusError marks a row the server rejected; it waits for an explicit retry.
	StatusError SyncStatus = "ERROR"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusUnsynced, StatusSyncing, StatusSynced, StatusError:
		return true
	}

	return false
}

// DownloadedItem is a book stored on disk for offline reading.
type DownloadedItem struct {
	ID           string          `json:"id"`
	ServerID     string          `json:"server_id"`
	Filename     string          `json:"filename"`
	URI          string          `json:"uri"`
	Size         *int64          `json:"size,omitempty"`
	DownloadedAt time.Time       `json:"downloaded_at"`
	BookName     string          `json:"book_name"`
	Description  string          `json:"book_description,omitempty"`
	Metadata     json.RawMessage `json:"book_metadata,omitempty"`
	SeriesID     string          `json:"series_id,omitempty"`
	// Pages is -1 when never derived and 0 when it could not be derived.
	Pages int             `json:"pages"`
	TOC   json.RawMessage `json:"toc,omitempty"`
}

// SeriesRef is the minimal series record kept alongside downloads.
type SeriesRef struct {
	ID        string `json:"id"`
	ServerID  string `json:"server_id"`
	Name      string `json:"name"`
	LibraryID string `json:"library_id,omitempty"`
}

// LibraryRef is the minimal library record kept alongside downloads.
type LibraryRef struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
}

// LocatorLocations is the position part of a reflowable-text locator.
type LocatorLocations struct {
	Fragments        []string `json:"fragments,omitempty"`
	Position         *int     `json:"position,omitempty"`
	Progression      *float64 `json:"progression,omitempty"`
	TotalProgression *float64 `json:"totalProgression,omitempty"`
	CSSSelector      string   `json:"cssSelector,omitempty"`
	PartialCFI       string   `json:"partialCfi,omitempty"`
}

// Locator is a structured position inside a reflowable document.
type Locator struct {
	ChapterTitle string           `json:"chapterTitle,omitempty"`
	Href         string           `json:"href"`
	Title        string           `json:"title,omitempty"`
	Type         string           `json:"type,omitempty"`
	Locations    LocatorLocations `json:"locations"`
}

// ProgressRecord is the reading position of one downloaded item.
// Page and Locator are mutually optional; both may be nil.
type ProgressRecord struct {
	ItemID         string     `json:"item_id"`
	ServerID       string     `json:"server_id"`
	Page           *int       `json:"page,omitempty"`
	Locator        *Locator   `json:"locator,omitempty"`
	ElapsedSeconds *int64     `json:"elapsed_seconds,omitempty"`
	Percentage     *float64   `json:"percentage,omitempty"`
	IsComplete     bool       `json:"is_complete"`
	LastModified   time.Time  `json:"last_modified"`
	SyncStatus     SyncStatus `json:"sync_status"`
	// Revision increases on every local write; sync completion is guarded by it.
	Revision  int64  `json:"revision"`
	SyncError string `json:"sync_error,omitempty"`
}

// ProgressSnapshot is the server's view of progress captured at download
// time or while reading online. It is always written as SYNCED.
type ProgressSnapshot struct {
	Page           *int
	Locator        *Locator
	ElapsedSeconds *int64
	Percentage     *float64
	IsComplete     bool
	// UpdatedAt is the server timestamp; zero means "now".
	UpdatedAt time.Time
}

// Relations are the optional records written in the same transaction as an item.
type Relations struct {
	Series   *SeriesRef
	Library  *LibraryRef
	Progress *ProgressSnapshot
}
