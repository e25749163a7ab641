package transfer

import (
	"context"
	"io"

	"github.com/skridofly/stump-offline/internal/telemetry"
)

// InstrumentedClient wraps RemoteClient with telemetry.
type InstrumentedClient struct {
	client     RemoteClient
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented remote client.
func NewInstrumentedClient(client RemoteClient, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// DownloadFile downloads an item's bytes with telemetry.
func (c *InstrumentedClient) DownloadFile(ctx context.Context, url string, w io.Writer) (int64, error) {
	var written int64

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "download_file", func(ctx context.Context) error {
		written, err = c.client.DownloadFile(ctx, url, w)

		return err
	})

	c.telemetry.RecordDownloadedBytes(written)

	return written, instrumentedErr
}

// UpdateProgress pushes progress with telemetry.
func (c *InstrumentedClient) UpdateProgress(ctx context.Context, itemID string, in ProgressInput) error {
	return c.telemetry.InstrumentClientOperation(ctx, c.clientType, "update_progress", func(ctx context.Context) error {
		return c.client.UpdateProgress(ctx, itemID, in)
	})
}

// GetProgress fetches remote progress with telemetry.
func (c *InstrumentedClient) GetProgress(ctx context.Context, itemID string) (*RemoteProgress, error) {
	var result *RemoteProgress

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "get_progress", func(ctx context.Context) error {
		result, err = c.client.GetProgress(ctx, itemID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// DownloadURL returns the wrapped client's download URL.
func (c *InstrumentedClient) DownloadURL(itemID string) string {
	return c.client.DownloadURL(itemID)
}
