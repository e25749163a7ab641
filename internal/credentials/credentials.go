// Package credentials issues, refreshes and persists the access tokens used
// to talk to saved servers.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/skridofly/stump-offline/internal/config"
	"github.com/skridofly/stump-offline/internal/logctx"
)

const (
	clientID  = "stump-offline"
	tokenPath = "/api/v2/auth/token"
)

// ErrUnknownServer is returned for a server id that is not saved.
var ErrUnknownServer = errors.New("unknown server")

// Provider gives the sync engine and the remote clients access to tokens
// without knowing how they are obtained or stored.
type Provider interface {
	// Token returns a valid token for the server, or nil when the server
	// needs no authentication.
	Token(ctx context.Context, serverID string) (*oauth2.Token, error)
	// Refresh discards the cached token and obtains a new one.
	Refresh(ctx context.Context, serverID string) (*oauth2.Token, error)
	// Save stores a token obtained elsewhere.
	Save(ctx context.Context, serverID string, tok *oauth2.Token) error
}

type storedToken struct {
	AccessToken  string    `yaml:"access_token"`
	TokenType    string    `yaml:"token_type,omitempty"`
	RefreshToken string    `yaml:"refresh_token,omitempty"`
	Expiry       time.Time `yaml:"expiry,omitempty"`
}

type tokensFile struct {
	Tokens map[string]storedToken `yaml:"tokens"`
}

// Manager is the Provider for saved servers. Bearer servers use their
// configured token; basic servers obtain tokens with the OAuth2 password
// grant and renew them with the refresh token.
type Manager struct {
	servers    config.Servers
	path       string
	httpClient *http.Client

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
	group  singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = c
	}
}

// NewManager loads persisted tokens from path. A missing file is not an error.
func NewManager(servers config.Servers, path string, opts ...Option) (*Manager, error) {
	m := &Manager{
		servers: servers,
		path:    path,
		tokens:  map[string]*oauth2.Token{},
	}

	for _, opt := range opts {
		opt(m)
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) load() error {
	if m.path == "" {
		return nil
	}

	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("read tokens: %w", err)
	}

	var f tokensFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse tokens %q: %w", m.path, err)
	}

	for id, st := range f.Tokens {
		m.tokens[id] = &oauth2.Token{
			AccessToken:  st.AccessToken,
			TokenType:    st.TokenType,
			RefreshToken: st.RefreshToken,
			Expiry:       st.Expiry,
		}
	}

	return nil
}

// persist writes every cached token. Callers hold m.mu.
func (m *Manager) persist() error {
	if m.path == "" {
		return nil
	}

	f := tokensFile{Tokens: make(map[string]storedToken, len(m.tokens))}
	for id, tok := range m.tokens {
		f.Tokens[id] = storedToken{
			AccessToken:  tok.AccessToken,
			TokenType:    tok.TokenType,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		}
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create tokens directory: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write tokens: %w", err)
	}

	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("replace tokens: %w", err)
	}

	return nil
}

func (m *Manager) server(serverID string) (config.Server, error) {
	s, ok := m.servers.Get(serverID)
	if !ok {
		return config.Server{}, fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
	}

	return s, nil
}

func (m *Manager) oauthConfig(s config.Server) *oauth2.Config {
	return &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  s.URL + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (m *Manager) tokenContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}

	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) cached(serverID string) *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tokens[serverID]
}

// Token implements Provider.
func (m *Manager) Token(ctx context.Context, serverID string) (*oauth2.Token, error) {
	s, err := m.server(serverID)
	if err != nil {
		return nil, err
	}

	switch s.Auth.Kind {
	case config.AuthNone, "":
		return nil, nil
	case config.AuthBearer:
		return &oauth2.Token{AccessToken: s.Auth.Token, TokenType: "Bearer"}, nil
	}

	if tok := m.cached(serverID); tok != nil && tok.Valid() {
		return tok, nil
	}

	return m.obtain(ctx, s, false)
}

// Refresh implements Provider.
func (m *Manager) Refresh(ctx context.Context, serverID string) (*oauth2.Token, error) {
	s, err := m.server(serverID)
	if err != nil {
		return nil, err
	}

	if s.Auth.Kind != config.AuthBasic {
		return m.Token(ctx, serverID)
	}

	return m.obtain(ctx, s, true)
}

// obtain fetches a new token for a basic-auth server, collapsing concurrent
// requests for the same server.
func (m *Manager) obtain(ctx context.Context, s config.Server, force bool) (*oauth2.Token, error) {
	v, err, _ := m.group.Do(s.ID, func() (any, error) {
		logger := logctx.LoggerFromContext(ctx).With("server_id", s.ID)
		cfg := m.oauthConfig(s)
		tctx := m.tokenContext(ctx)

		var tok *oauth2.Token

		if prev := m.cached(s.ID); prev != nil && prev.RefreshToken != "" && (force || !prev.Valid()) {
			expired := *prev
			expired.Expiry = time.Unix(1, 0)

			refreshed, err := cfg.TokenSource(tctx, &expired).Token()
			if err == nil {
				tok = refreshed
			} else {
				logger.Warn("token refresh failed, signing in again", "err", err)
			}
		}

		if tok == nil {
			var err error

			tok, err = cfg.PasswordCredentialsToken(tctx, s.Auth.Username, s.Auth.Password)
			if err != nil {
				return nil, fmt.Errorf("sign in to %s: %w", s.ID, err)
			}
		}

		if err := m.Save(ctx, s.ID, tok); err != nil {
			logger.Error("failed to persist token", "err", err)
		}

		logger.Debug("issued access token", "expiry", tok.Expiry)

		return tok, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*oauth2.Token), nil
}

// Save implements Provider.
func (m *Manager) Save(_ context.Context, serverID string, tok *oauth2.Token) error {
	if tok == nil {
		return errors.New("nil token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[serverID] = tok

	return m.persist()
}
