// Package transfertest provides in-memory remote clients for tests.
package transfertest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/skridofly/stump-offline/internal/transfer"
)

// Update is one recorded UpdateProgress call.
type Update struct {
	ItemID string
	Input  transfer.ProgressInput
}

// Client is a scriptable transfer.RemoteClient.
type Client struct {
	mu sync.Mutex

	// Files maps download URLs to their content; unknown URLs answer 404.
	Files map[string][]byte
	// Gate, when set, makes DownloadFile write half of the content and wait
	// until the gate is closed or the context is done.
	Gate chan struct{}
	// OnUpdate decides the outcome of UpdateProgress; nil accepts everything.
	OnUpdate func(itemID string, in transfer.ProgressInput) error
	// Remote is what GetProgress answers per item. Accepted updates are
	// applied to it.
	Remote map[string]*transfer.RemoteProgress
	GetErr error

	downloads int
	updates   []Update
}

// NewClient creates a client serving files.
func NewClient(files map[string][]byte) *Client {
	if files == nil {
		files = map[string][]byte{}
	}

	return &Client{Files: files, Remote: map[string]*transfer.RemoteProgress{}}
}

func (c *Client) DownloadURL(itemID string) string {
	return "fake://media/" + itemID
}

func (c *Client) DownloadFile(ctx context.Context, url string, w io.Writer) (int64, error) {
	c.mu.Lock()
	c.downloads++
	data, ok := c.Files[url]
	gate := c.Gate
	c.mu.Unlock()

	if !ok {
		return 0, &transfer.TransferError{URL: url, StatusCode: http.StatusNotFound}
	}

	if gate == nil {
		n, err := w.Write(data)

		return int64(n), err
	}

	half := len(data) / 2

	n, err := w.Write(data[:half])
	if err != nil {
		return int64(n), err
	}

	select {
	case <-gate:
	case <-ctx.Done():
		return int64(n), ctx.Err()
	}

	m, err := w.Write(data[half:])

	return int64(n + m), err
}

func (c *Client) UpdateProgress(ctx context.Context, itemID string, in transfer.ProgressInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	fn := c.OnUpdate
	c.mu.Unlock()

	if fn != nil {
		if err := fn(itemID, in); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.updates = append(c.updates, Update{ItemID: itemID, Input: in})

	if c.Remote == nil {
		c.Remote = map[string]*transfer.RemoteProgress{}
	}

	c.Remote[itemID] = applied(in)
	c.mu.Unlock()

	return nil
}

// applied is the progress the server holds after accepting in.
func applied(in transfer.ProgressInput) *transfer.RemoteProgress {
	rp := &transfer.RemoteProgress{UpdatedAt: time.Now().UTC()}

	switch {
	case in.Epub != nil:
		loc, pct := in.Epub.Locator, in.Epub.Percentage
		rp.Locator = &loc
		rp.Percentage = &pct
		rp.ElapsedSeconds = in.Epub.ElapsedSeconds
		rp.IsComplete = in.Epub.IsComplete
	case in.Paged != nil:
		page := in.Paged.Page
		rp.Page = &page
		rp.ElapsedSeconds = in.Paged.ElapsedSeconds
	}

	return rp
}

func (c *Client) GetProgress(_ context.Context, itemID string) (*transfer.RemoteProgress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.GetErr != nil {
		return nil, c.GetErr
	}

	return c.Remote[itemID], nil
}

// Downloads returns how many times DownloadFile was called.
func (c *Client) Downloads() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.downloads
}

// Updates returns the accepted UpdateProgress calls in order.
func (c *Client) Updates() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Update(nil), c.updates...)
}

// Factory hands out fake clients per server id.
type Factory struct {
	mu      sync.Mutex
	clients map[string]*Client
	errs    map[string]error
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{clients: map[string]*Client{}, errs: map[string]error{}}
}

// Set registers the client answering for serverID.
func (f *Factory) Set(serverID string, c *Client) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clients[serverID] = c
}

// Fail makes ClientFor return err for serverID.
func (f *Factory) Fail(serverID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errs[serverID] = err
}

func (f *Factory) ClientFor(_ context.Context, serverID string) (transfer.RemoteClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs[serverID]; err != nil {
		return nil, err
	}

	c, ok := f.clients[serverID]
	if !ok {
		return nil, fmt.Errorf("no client for server %q", serverID)
	}

	return c, nil
}
