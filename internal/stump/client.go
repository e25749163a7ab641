// Package stump talks to a Stump media server: book downloads over its REST
// API and reading progress over its GraphQL API.
package stump

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skridofly/stump-offline/internal/logctx"
	"github.com/skridofly/stump-offline/internal/storage"
	"github.com/skridofly/stump-offline/internal/transfer"
)

const (
	graphqlPath = "/api/graphql"
	maxErrBody  = 4 << 10
)

const updateProgressMutation = `mutation UpdateReadProgression($id: ID!, $input: MediaProgressInput!) {
	updateMediaProgress(id: $id, input: $input) {
		__typename
	}
}`

const readProgressQuery = `query MediaReadProgress($id: ID!) {
	mediaById(id: $id) {
		id
		readProgress {
			page
			percentageCompleted
			elapsedSeconds
			updatedAt
			locator {
				chapterTitle
				href
				title
				type
				locations {
					fragments
					position
					progression
					totalProgression
					cssSelector
					partialCfi
				}
			}
		}
	}
}`

// Client is a transfer.RemoteClient for one Stump server. Authentication
// is the job of the http.Client it is given.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	refreshAuth func(ctx context.Context) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAuthRefresh sets the hook used to renew credentials once when the
// server answers 401.
func WithAuthRefresh(fn func(ctx context.Context) error) ClientOption {
	return func(c *Client) {
		c.refreshAuth = fn
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var _ transfer.RemoteClient = (*Client)(nil)

// DownloadURL implements transfer.RemoteClient.
func (c *Client) DownloadURL(itemID string) string {
	return c.baseURL + "/api/v2/media/" + url.PathEscape(itemID) + "/file"
}

// DownloadFile implements transfer.RemoteClient.
func (c *Client) DownloadFile(ctx context.Context, fileURL string, w io.Writer) (int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("url", fileURL)

	resp, err := c.send(ctx, "download_file", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	})
	if err != nil {
		return 0, &transfer.TransferError{URL: fileURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		logger.Error("non-2xx response", "status", resp.StatusCode, "body", string(b))

		return 0, &transfer.TransferError{URL: fileURL, StatusCode: resp.StatusCode, Err: statusError("download_file", resp.StatusCode, b)}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &transfer.TransferError{URL: fileURL, Err: err}
	}

	logger.Debug("file downloaded", "bytes", n)

	return n, nil
}

type pagedInput struct {
	Page           int    `json:"page"`
	ElapsedSeconds *int64 `json:"elapsedSeconds,omitempty"`
}

type readiumLocator struct {
	Readium storage.Locator `json:"readium"`
}

type epubInput struct {
	Locator        readiumLocator `json:"locator"`
	Percentage     float64        `json:"percentage"`
	ElapsedSeconds *int64         `json:"elapsedSeconds,omitempty"`
	IsComplete     bool           `json:"isComplete"`
}

type mediaProgressInput struct {
	Paged *pagedInput `json:"paged,omitempty"`
	Epub  *epubInput  `json:"epub,omitempty"`
}

func toWire(in transfer.ProgressInput) (mediaProgressInput, error) {
	switch {
	case in.Epub != nil:
		return mediaProgressInput{Epub: &epubInput{
			Locator:        readiumLocator{Readium: in.Epub.Locator},
			Percentage:     in.Epub.Percentage,
			ElapsedSeconds: in.Epub.ElapsedSeconds,
			IsComplete:     in.Epub.IsComplete,
		}}, nil
	case in.Paged != nil:
		return mediaProgressInput{Paged: &pagedInput{
			Page:           in.Paged.Page,
			ElapsedSeconds: in.Paged.ElapsedSeconds,
		}}, nil
	default:
		return mediaProgressInput{}, errors.New("progress input has neither paged nor epub data")
	}
}

// UpdateProgress implements transfer.RemoteClient.
func (c *Client) UpdateProgress(ctx context.Context, itemID string, in transfer.ProgressInput) error {
	input, err := toWire(in)
	if err != nil {
		return err
	}

	return c.graphql(ctx, "update_progress", itemID, updateProgressMutation, map[string]any{
		"id":    itemID,
		"input": input,
	}, nil)
}

type readProgressData struct {
	MediaByID *struct {
		ID           string `json:"id"`
		ReadProgress *struct {
			Page                *int             `json:"page"`
			PercentageCompleted *float64         `json:"percentageCompleted"`
			ElapsedSeconds      *int64           `json:"elapsedSeconds"`
			UpdatedAt           time.Time        `json:"updatedAt"`
			Locator             *storage.Locator `json:"locator"`
		} `json:"readProgress"`
	} `json:"mediaById"`
}

// GetProgress implements transfer.RemoteClient.
func (c *Client) GetProgress(ctx context.Context, itemID string) (*transfer.RemoteProgress, error) {
	var data readProgressData
	if err := c.graphql(ctx, "get_progress", itemID, readProgressQuery, map[string]any{"id": itemID}, &data); err != nil {
		return nil, err
	}

	if data.MediaByID == nil {
		return nil, &transfer.RejectedError{Operation: "get_progress", ItemID: itemID, Reason: "media not found"}
	}

	rp := data.MediaByID.ReadProgress
	if rp == nil {
		return nil, nil
	}

	return &transfer.RemoteProgress{
		Page:           rp.Page,
		Locator:        rp.Locator,
		Percentage:     rp.PercentageCompleted,
		ElapsedSeconds: rp.ElapsedSeconds,
		IsComplete:     rp.PercentageCompleted != nil && *rp.PercentageCompleted >= 1,
		UpdatedAt:      rp.UpdatedAt,
	}, nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) graphql(ctx context.Context, op, itemID, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	resp, err := c.send(ctx, op, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+graphqlPath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/json")

		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		if isRejection(resp) {
			return &transfer.RejectedError{Operation: op, ItemID: itemID, Reason: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, b)}
		}

		return statusError(op, resp.StatusCode, b)
	}

	var gr graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return &transfer.NetworkError{Operation: op, StatusCode: resp.StatusCode, APIMessage: "malformed response", Err: err}
	}

	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}

		return &transfer.RejectedError{Operation: op, ItemID: itemID, Reason: strings.Join(msgs, "; ")}
	}

	if out == nil || len(gr.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(gr.Data, out); err != nil {
		return &transfer.NetworkError{Operation: op, StatusCode: resp.StatusCode, APIMessage: "malformed data", Err: err}
	}

	return nil
}

// send executes the request built by newReq. A 401 triggers one credential
// refresh and a retry. Transport failures, including timeouts and
// cancellation, come back as *transfer.NetworkError; auth failures as
// *transfer.AuthenticationError.
func (c *Client) send(ctx context.Context, op string, newReq func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", op, err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			var authErr *transfer.AuthenticationError
			if errors.As(err, &authErr) {
				return nil, authErr
			}

			return nil, &transfer.NetworkError{Operation: op, APIMessage: err.Error(), Err: err}
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 && c.refreshAuth != nil {
			resp.Body.Close()

			if err := c.refreshAuth(ctx); err != nil {
				return nil, &transfer.AuthenticationError{Operation: op, Err: err}
			}

			logctx.LoggerFromContext(ctx).Debug("retrying with refreshed credentials", "operation", op)

			continue
		}

		if isAuthStatus(resp.StatusCode) {
			resp.Body.Close()

			return nil, &transfer.AuthenticationError{Operation: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
		}

		return resp, nil
	}
}

// isRejection reports whether the server refused the request itself.
// Timeouts, throttling and anything asking the caller to come back later are
// transient and stay network errors.
func isRejection(resp *http.Response) bool {
	code := resp.StatusCode
	if code < 400 || code >= 500 || isAuthStatus(code) {
		return false
	}

	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}

	return resp.Header.Get("Retry-After") == ""
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func statusError(op string, code int, body []byte) error {
	if isAuthStatus(code) {
		return &transfer.AuthenticationError{Operation: op, Err: fmt.Errorf("HTTP %d", code)}
	}

	return &transfer.NetworkError{Operation: op, StatusCode: code, APIMessage: strings.TrimSpace(string(body))}
}
