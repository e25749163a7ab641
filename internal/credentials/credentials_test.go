package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/skridofly/stump-offline/internal/config"
)

type tokenServer struct {
	*httptest.Server
	passwordGrants atomic.Int32
	refreshGrants  atomic.Int32
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()

	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tokenPath {
			http.NotFound(w, r)

			return
		}

		require.NoError(t, r.ParseForm())
		assert.Equal(t, clientID, r.PostForm.Get("client_id"))

		var access string

		switch r.PostForm.Get("grant_type") {
		case "password":
			if r.PostForm.Get("username") != "reader" || r.PostForm.Get("password") != "secret" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))

				return
			}

			ts.passwordGrants.Add(1)
			access = "access-password"
		case "refresh_token":
			assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
			ts.refreshGrants.Add(1)
			access = "access-refreshed"
		default:
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"token_type":    "Bearer",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(ts.Close)

	return ts
}

func testServers(url string) config.Servers {
	return config.Servers{
		{ID: "open", URL: url, Auth: config.ServerAuth{Kind: config.AuthNone}},
		{ID: "static", URL: url, Auth: config.ServerAuth{Kind: config.AuthBearer, Token: "tok"}},
		{ID: "home", URL: url, Auth: config.ServerAuth{Kind: config.AuthBasic, Username: "reader", Password: "secret"}},
		{ID: "wrong", URL: url, Auth: config.ServerAuth{Kind: config.AuthBasic, Username: "reader", Password: "nope"}},
	}
}

func TestManager_StaticKinds(t *testing.T) {
	m, err := NewManager(testServers("http://unused"), "")
	require.NoError(t, err)

	ctx := context.Background()

	tok, err := m.Token(ctx, "open")
	require.NoError(t, err)
	assert.Nil(t, tok)

	tok, err = m.Token(ctx, "static")
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.AccessToken)

	_, err = m.Token(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestManager_PasswordGrantIsCachedAndPersisted(t *testing.T) {
	ts := newTokenServer(t)
	path := filepath.Join(t.TempDir(), "tokens.yaml")

	m, err := NewManager(testServers(ts.URL), path, WithHTTPClient(ts.Client()))
	require.NoError(t, err)

	ctx := context.Background()

	tok, err := m.Token(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, "access-password", tok.AccessToken)

	tok, err = m.Token(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, "access-password", tok.AccessToken)
	assert.Equal(t, int32(1), ts.passwordGrants.Load())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded, err := NewManager(testServers(ts.URL), path, WithHTTPClient(ts.Client()))
	require.NoError(t, err)

	tok, err = reloaded.Token(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, "access-password", tok.AccessToken)
	assert.Equal(t, int32(1), ts.passwordGrants.Load(), "persisted token reused")
}

func TestManager_RefreshUsesRefreshToken(t *testing.T) {
	ts := newTokenServer(t)

	m, err := NewManager(testServers(ts.URL), "", WithHTTPClient(ts.Client()))
	require.NoError(t, err)

	ctx := context.Background()

	_, err = m.Token(ctx, "home")
	require.NoError(t, err)

	tok, err := m.Refresh(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed", tok.AccessToken)
	assert.Equal(t, int32(1), ts.refreshGrants.Load())

	tok, err = m.Token(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed", tok.AccessToken)
}

func TestManager_ExpiredTokenIsRenewed(t *testing.T) {
	ts := newTokenServer(t)

	m, err := NewManager(testServers(ts.URL), "", WithHTTPClient(ts.Client()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Save(ctx, "home", &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
	}))

	tok, err := m.Token(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, "access-refreshed", tok.AccessToken)
	assert.Zero(t, ts.passwordGrants.Load())
}

func TestManager_BadCredentials(t *testing.T) {
	ts := newTokenServer(t)

	m, err := NewManager(testServers(ts.URL), "", WithHTTPClient(ts.Client()))
	require.NoError(t, err)

	_, err = m.Token(context.Background(), "wrong")
	assert.Error(t, err)
}

func TestManager_CorruptTokensFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tokens: [oops"), 0o600))

	_, err := NewManager(testServers("http://unused"), path)
	assert.Error(t, err)
}
