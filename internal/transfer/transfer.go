// Package transfer defines the remote server capabilities the offline engine
// consumes and the errors they report.
package transfer

import (
	"context"
	"io"
	"time"

	"github.com/skridofly/stump-offline/internal/storage"
)

// RemoteClient is an authenticated connection to one media server.
type RemoteClient interface {
	// DownloadFile streams the bytes at url into w and returns the number of
	// bytes written. A non-success status is a *TransferError.
	DownloadFile(ctx context.Context, url string, w io.Writer) (int64, error)
	// UpdateProgress submits the reading position of an item.
	UpdateProgress(ctx context.Context, itemID string, in ProgressInput) error
	// GetProgress returns the server's current progress for an item, or nil
	// when the user has not started it.
	GetProgress(ctx context.Context, itemID string) (*RemoteProgress, error)
	// DownloadURL is the default file URL of an item.
	DownloadURL(itemID string) string
}

// ClientFactory hands out authenticated clients per saved server.
type ClientFactory interface {
	ClientFor(ctx context.Context, serverID string) (RemoteClient, error)
}

// PagedProgress is the progress input for image-based books.
type PagedProgress struct {
	Page           int    `json:"page"`
	ElapsedSeconds *int64 `json:"elapsedSeconds,omitempty"`
}

// EpubProgress is the progress input for reflowable books.
type EpubProgress struct {
	Locator        storage.Locator `json:"locator"`
	Percentage     float64         `json:"percentage"`
	ElapsedSeconds *int64          `json:"elapsedSeconds,omitempty"`
	IsComplete     bool            `json:"isComplete"`
}

// ProgressInput carries exactly one of Paged or Epub.
type ProgressInput struct {
	Paged *PagedProgress `json:"paged,omitempty"`
	Epub  *EpubProgress  `json:"epub,omitempty"`
}

// RemoteProgress is the server's view of an item's progress.
type RemoteProgress struct {
	Page           *int             `json:"page,omitempty"`
	Locator        *storage.Locator `json:"locator,omitempty"`
	Percentage     *float64         `json:"percentage,omitempty"`
	ElapsedSeconds *int64           `json:"elapsedSeconds,omitempty"`
	IsComplete     bool             `json:"isComplete"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Snapshot converts the remote view into a storable progress snapshot.
func (p *RemoteProgress) Snapshot() storage.ProgressSnapshot {
	return storage.ProgressSnapshot{
		Page:           p.Page,
		Locator:        p.Locator,
		ElapsedSeconds: p.ElapsedSeconds,
		Percentage:     p.Percentage,
		IsComplete:     p.IsComplete,
		UpdatedAt:      p.UpdatedAt,
	}
}
