package stump

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/skridofly/stump-offline/internal/config"
	"github.com/skridofly/stump-offline/internal/credentials"
	"github.com/skridofly/stump-offline/internal/telemetry"
	"github.com/skridofly/stump-offline/internal/transfer"
)

const userAgent = "stump-offline"

// Factory builds and caches one authenticated client per saved server.
type Factory struct {
	servers   config.Servers
	provider  credentials.Provider
	telemetry *telemetry.Telemetry
	timeout   time.Duration
	base      http.RoundTripper

	mu      sync.Mutex
	clients map[string]transfer.RemoteClient
}

// NewFactory creates a factory. timeout bounds every request, including
// the body transfer of a download.
func NewFactory(servers config.Servers, provider credentials.Provider, tel *telemetry.Telemetry, timeout time.Duration) *Factory {
	return &Factory{
		servers:   servers,
		provider:  provider,
		telemetry: tel,
		timeout:   timeout,
		base:      http.DefaultTransport,
		clients:   map[string]transfer.RemoteClient{},
	}
}

var _ transfer.ClientFactory = (*Factory)(nil)

// ClientFor returns the client of serverID. It makes sure a token can be
// obtained first, so a server with broken credentials fails here with a
// *transfer.AuthenticationError before any row is touched.
func (f *Factory) ClientFor(ctx context.Context, serverID string) (transfer.RemoteClient, error) {
	s, ok := f.servers.Get(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", credentials.ErrUnknownServer, serverID)
	}

	if s.Auth.Kind == config.AuthBasic || s.Auth.Kind == config.AuthBearer {
		if _, err := f.provider.Token(ctx, serverID); err != nil {
			return nil, &transfer.AuthenticationError{Operation: "obtain_token", Err: err}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[serverID]; ok {
		return c, nil
	}

	c := transfer.NewInstrumentedClient(f.newClient(s), f.telemetry, "stump")
	f.clients[serverID] = c

	return c, nil
}

func (f *Factory) newClient(s config.Server) *Client {
	var rt http.RoundTripper = &headerTransport{base: f.base, headers: s.CustomHeaders}

	rt = otelhttp.NewTransport(rt)

	var opts []ClientOption

	if s.Auth.Kind == config.AuthBasic || s.Auth.Kind == config.AuthBearer {
		rt = &oauth2.Transport{
			Source: &providerSource{provider: f.provider, serverID: s.ID},
			Base:   rt,
		}

		opts = append(opts, WithAuthRefresh(func(ctx context.Context) error {
			_, err := f.provider.Refresh(ctx, s.ID)

			return err
		}))
	}

	return NewClient(s.URL, &http.Client{Transport: rt, Timeout: f.timeout}, opts...)
}

// providerSource adapts the credential provider to oauth2.TokenSource. The
// provider caches, so every request sees the latest refreshed token.
type providerSource struct {
	provider credentials.Provider
	serverID string
}

func (p *providerSource) Token() (*oauth2.Token, error) {
	tok, err := p.provider.Token(context.Background(), p.serverID)
	if err != nil {
		return nil, &transfer.AuthenticationError{Operation: "obtain_token", Err: err}
	}

	if tok == nil {
		return nil, &transfer.AuthenticationError{Operation: "obtain_token", Err: fmt.Errorf("no token for %s", p.serverID)}
	}

	return tok, nil
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", userAgent)

	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	return t.base.RoundTrip(req)
}
