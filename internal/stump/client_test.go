package stump

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/skridofly/stump-offline/internal/config"
	"github.com/skridofly/stump-offline/internal/storage"
	"github.com/skridofly/stump-offline/internal/transfer"
)

type fakeProvider struct {
	mu        sync.Mutex
	token     string
	refreshed string
	refreshes int
	err       error
}

func (p *fakeProvider) Token(context.Context, string) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}

	return &oauth2.Token{AccessToken: p.token, TokenType: "Bearer"}, nil
}

func (p *fakeProvider) Refresh(context.Context, string) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshes++
	p.token = p.refreshed

	return &oauth2.Token{AccessToken: p.token, TokenType: "Bearer"}, nil
}

func (p *fakeProvider) Save(context.Context, string, *oauth2.Token) error { return nil }

type gqlCall struct {
	Query     string
	Variables map[string]any
	Auth      string
	Header    string
}

// fakeStump serves the GraphQL endpoint and media files.
type fakeStump struct {
	*httptest.Server
	mu       sync.Mutex
	calls    []gqlCall
	respond  func(call gqlCall) (int, string)
	validTok string
	// header is added to every GraphQL response.
	header http.Header
}

func newFakeStump(t *testing.T, validTok string, respond func(call gqlCall) (int, string)) *fakeStump {
	t.Helper()

	fs := &fakeStump{respond: respond, validTok: validTok}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		if fs.validTok != "" && r.Header.Get("Authorization") != "Bearer "+fs.validTok {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		var req graphqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		call := gqlCall{Query: req.Query, Variables: req.Variables, Auth: r.Header.Get("Authorization"), Header: r.Header.Get("X-Proxy-Key")}

		fs.mu.Lock()
		fs.calls = append(fs.calls, call)
		fs.mu.Unlock()

		code, body := fs.respond(call)
		for k, v := range fs.header {
			w.Header()[k] = v
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("/api/v2/media/{id}/file", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			http.NotFound(w, r)

			return
		}

		_, _ = io.WriteString(w, "book-bytes-"+r.PathValue("id"))
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)

	return fs
}

func (fs *fakeStump) lastCall(t *testing.T) gqlCall {
	t.Helper()

	fs.mu.Lock()
	defer fs.mu.Unlock()

	require.NotEmpty(t, fs.calls)

	return fs.calls[len(fs.calls)-1]
}

func acceptAll() func(gqlCall) (int, string) {
	return func(gqlCall) (int, string) {
		return http.StatusOK, `{"data":{"updateMediaProgress":{"__typename":"ActiveReadingSession"}}}`
	}
}

func newTestFactory(url string, provider *fakeProvider) *Factory {
	servers := config.Servers{{
		ID:            "home",
		URL:           url,
		Auth:          config.ServerAuth{Kind: config.AuthBearer, Token: "unused"},
		CustomHeaders: map[string]string{"X-Proxy-Key": "k"},
	}}

	return NewFactory(servers, provider, nil, 5*time.Second)
}

func TestClient_UpdateProgressPaged(t *testing.T) {
	fs := newFakeStump(t, "tok", acceptAll())
	f := newTestFactory(fs.URL, &fakeProvider{token: "tok"})

	c, err := f.ClientFor(context.Background(), "home")
	require.NoError(t, err)

	elapsed := int64(120)
	err = c.UpdateProgress(context.Background(), "b1", transfer.ProgressInput{
		Paged: &transfer.PagedProgress{Page: 10, ElapsedSeconds: &elapsed},
	})
	require.NoError(t, err)

	call := fs.lastCall(t)
	assert.Contains(t, call.Query, "updateMediaProgress")
	assert.Equal(t, "Bearer tok", call.Auth)
	assert.Equal(t, "k", call.Header)
	assert.Equal(t, "b1", call.Variables["id"])

	input := call.Variables["input"].(map[string]any)
	paged := input["paged"].(map[string]any)
	assert.Equal(t, float64(10), paged["page"])
	assert.Equal(t, float64(120), paged["elapsedSeconds"])
	assert.NotContains(t, input, "epub")
}

func TestClient_UpdateProgressEpub(t *testing.T) {
	fs := newFakeStump(t, "", acceptAll())
	c := NewClient(fs.URL, fs.Client())

	progression := 0.5
	err := c.UpdateProgress(context.Background(), "b2", transfer.ProgressInput{
		Epub: &transfer.EpubProgress{
			Locator:    storage.Locator{Href: "ch2.xhtml", Locations: storage.LocatorLocations{Progression: &progression}},
			Percentage: 1,
			IsComplete: true,
		},
	})
	require.NoError(t, err)

	epub := fs.lastCall(t).Variables["input"].(map[string]any)["epub"].(map[string]any)
	readium := epub["locator"].(map[string]any)["readium"].(map[string]any)
	assert.Equal(t, "ch2.xhtml", readium["href"])
	assert.Equal(t, true, epub["isComplete"])
	assert.Equal(t, float64(1), epub["percentage"])
}

func TestClient_UpdateProgressEmptyInput(t *testing.T) {
	c := NewClient("http://unused", nil)

	assert.Error(t, c.UpdateProgress(context.Background(), "b1", transfer.ProgressInput{}))
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		body       string
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{
			name: "graphql errors are rejections",
			code: http.StatusOK,
			body: `{"data":null,"errors":[{"message":"Media not found"}]}`,
			check: func(t *testing.T, err error) {
				var rejected *transfer.RejectedError
				require.ErrorAs(t, err, &rejected)
				assert.Equal(t, "Media not found", rejected.Reason)
				assert.Equal(t, "b1", rejected.ItemID)
			},
		},
		{
			name: "server errors are network errors",
			code: http.StatusBadGateway,
			body: `upstream down`,
			check: func(t *testing.T, err error) {
				var network *transfer.NetworkError
				require.ErrorAs(t, err, &network)
				assert.Equal(t, http.StatusBadGateway, network.StatusCode)
			},
		},
		{
			name: "forbidden is an authentication error",
			code: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				var auth *transfer.AuthenticationError
				require.ErrorAs(t, err, &auth)
			},
		},
		{
			name: "bad request is a rejection",
			code: http.StatusBadRequest,
			body: `invalid input`,
			check: func(t *testing.T, err error) {
				var rejected *transfer.RejectedError
				require.ErrorAs(t, err, &rejected)
			},
		},
		{
			name: "not found is a rejection",
			code: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var rejected *transfer.RejectedError
				require.ErrorAs(t, err, &rejected)
			},
		},
		{
			name: "request timeout is a network error",
			code: http.StatusRequestTimeout,
			check: func(t *testing.T, err error) {
				var network *transfer.NetworkError
				require.ErrorAs(t, err, &network)
				assert.Equal(t, http.StatusRequestTimeout, network.StatusCode)
				assert.False(t, errors.As(err, new(*transfer.RejectedError)))
			},
		},
		{
			name: "throttling is a network error",
			code: http.StatusTooManyRequests,
			body: `slow down`,
			check: func(t *testing.T, err error) {
				var network *transfer.NetworkError
				require.ErrorAs(t, err, &network)
				assert.Equal(t, http.StatusTooManyRequests, network.StatusCode)
			},
		},
		{
			name:       "retry-after on a client error is a network error",
			code:       http.StatusConflict,
			retryAfter: "30",
			check: func(t *testing.T, err error) {
				var network *transfer.NetworkError
				require.ErrorAs(t, err, &network)
			},
		},
		{
			name: "garbled body is a network error",
			code: http.StatusOK,
			body: `<html>`,
			check: func(t *testing.T, err error) {
				var network *transfer.NetworkError
				require.ErrorAs(t, err, &network)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStump(t, "", func(gqlCall) (int, string) { return tt.code, tt.body })
			if tt.retryAfter != "" {
				fs.header = http.Header{"Retry-After": {tt.retryAfter}}
			}

			c := NewClient(fs.URL, fs.Client())

			err := c.UpdateProgress(context.Background(), "b1", transfer.ProgressInput{Paged: &transfer.PagedProgress{Page: 1}})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_TransportFailureIsNetworkError(t *testing.T) {
	fs := newFakeStump(t, "", acceptAll())
	url := fs.URL
	fs.Close()

	c := NewClient(url, nil)

	err := c.UpdateProgress(context.Background(), "b1", transfer.ProgressInput{Paged: &transfer.PagedProgress{Page: 1}})

	var network *transfer.NetworkError
	require.ErrorAs(t, err, &network)
}

func TestClient_RefreshesOnUnauthorized(t *testing.T) {
	fs := newFakeStump(t, "fresh", acceptAll())
	provider := &fakeProvider{token: "stale", refreshed: "fresh"}
	f := newTestFactory(fs.URL, provider)

	c, err := f.ClientFor(context.Background(), "home")
	require.NoError(t, err)

	err = c.UpdateProgress(context.Background(), "b1", transfer.ProgressInput{Paged: &transfer.PagedProgress{Page: 3}})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.refreshes)
	assert.Equal(t, "Bearer fresh", fs.lastCall(t).Auth)
}

func TestClient_UnauthorizedAfterRefresh(t *testing.T) {
	fs := newFakeStump(t, "never", acceptAll())
	provider := &fakeProvider{token: "stale", refreshed: "still-stale"}
	f := newTestFactory(fs.URL, provider)

	c, err := f.ClientFor(context.Background(), "home")
	require.NoError(t, err)

	err = c.UpdateProgress(context.Background(), "b1", transfer.ProgressInput{Paged: &transfer.PagedProgress{Page: 3}})

	var auth *transfer.AuthenticationError
	require.ErrorAs(t, err, &auth)
	assert.Equal(t, 1, provider.refreshes)
}

func TestClient_GetProgress(t *testing.T) {
	fs := newFakeStump(t, "", func(call gqlCall) (int, string) {
		switch call.Variables["id"] {
		case "b1":
			return http.StatusOK, `{"data":{"mediaById":{"id":"b1","readProgress":{
				"page":12,"percentageCompleted":1.0,"elapsedSeconds":300,
				"updatedAt":"2024-04-01T10:00:00Z","locator":null}}}}`
		case "unread":
			return http.StatusOK, `{"data":{"mediaById":{"id":"unread","readProgress":null}}}`
		default:
			return http.StatusOK, `{"data":{"mediaById":null}}`
		}
	})
	c := NewClient(fs.URL, fs.Client())
	ctx := context.Background()

	p, err := c.GetProgress(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 12, *p.Page)
	assert.Equal(t, int64(300), *p.ElapsedSeconds)
	assert.True(t, p.IsComplete)
	assert.True(t, p.UpdatedAt.Equal(time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)))
	assert.Contains(t, fs.lastCall(t).Query, "mediaById")

	p, err = c.GetProgress(ctx, "unread")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = c.GetProgress(ctx, "gone")

	var rejected *transfer.RejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestClient_DownloadFile(t *testing.T) {
	fs := newFakeStump(t, "", acceptAll())
	c := NewClient(fs.URL, fs.Client())
	ctx := context.Background()

	assert.Equal(t, fs.URL+"/api/v2/media/b%201/file", c.DownloadURL("b 1"))

	var buf bytes.Buffer
	n, err := c.DownloadFile(ctx, c.DownloadURL("b1"), &buf)
	require.NoError(t, err)
	assert.Equal(t, "book-bytes-b1", buf.String())
	assert.Equal(t, int64(buf.Len()), n)

	buf.Reset()
	_, err = c.DownloadFile(ctx, c.DownloadURL("missing"), &buf)

	var transferErr *transfer.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, http.StatusNotFound, transferErr.StatusCode)
	assert.Zero(t, buf.Len())
}

func TestFactory(t *testing.T) {
	fs := newFakeStump(t, "", acceptAll())
	ctx := context.Background()

	f := newTestFactory(fs.URL, &fakeProvider{token: "tok"})

	first, err := f.ClientFor(ctx, "home")
	require.NoError(t, err)

	second, err := f.ClientFor(ctx, "home")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = f.ClientFor(ctx, "elsewhere")
	assert.Error(t, err)

	broken := newTestFactory(fs.URL, &fakeProvider{err: errors.New("invalid_grant")})

	_, err = broken.ClientFor(ctx, "home")

	var auth *transfer.AuthenticationError
	require.ErrorAs(t, err, &auth)
}
