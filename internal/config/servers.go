package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AuthKind selects how requests to a saved server are authenticated.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
)

// ServerAuth holds the static credentials of a saved server. Issued tokens
// never live here; they are persisted by the credentials package.
type ServerAuth struct {
	Kind     AuthKind `yaml:"kind"`
	Token    string   `yaml:"token,omitempty"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
}

// Server is a remote media server the client knows about.
type Server struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	URL           string            `yaml:"url"`
	Auth          ServerAuth        `yaml:"auth"`
	CustomHeaders map[string]string `yaml:"custom_headers,omitempty"`
}

// Servers is the parsed saved-servers file, in file order.
type Servers []Server

type serversFile struct {
	Servers []Server `yaml:"servers"`
}

// LoadServers reads the saved-servers file at path. A missing file yields
// an empty list so that a fresh install can start without any server.
func LoadServers(path string) (Servers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Servers{}, nil
		}

		return nil, fmt.Errorf("read servers %q: %w", path, err)
	}

	var f serversFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse servers %q: %w", path, err)
	}

	seen := make(map[string]struct{}, len(f.Servers))

	for i := range f.Servers {
		s := &f.Servers[i]
		if err := s.normalize(); err != nil {
			return nil, fmt.Errorf("server %d: %w", i, err)
		}

		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("server %d: duplicate id %q", i, s.ID)
		}

		seen[s.ID] = struct{}{}
	}

	return Servers(f.Servers), nil
}

func (s *Server) normalize() error {
	if s.ID == "" {
		return errors.New("id is required")
	}

	u, err := url.Parse(s.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url %q", s.URL)
	}

	s.URL = strings.TrimRight(s.URL, "/")

	if s.Name == "" {
		s.Name = u.Host
	}

	switch s.Auth.Kind {
	case "":
		s.Auth.Kind = AuthNone
	case AuthNone:
	case AuthBearer:
		if s.Auth.Token == "" {
			return errors.New("bearer auth requires a token")
		}
	case AuthBasic:
		if s.Auth.Username == "" {
			return errors.New("basic auth requires a username")
		}
	default:
		return fmt.Errorf("unknown auth kind %q", s.Auth.Kind)
	}

	return nil
}

// Get returns the saved server with the given id.
func (ss Servers) Get(id string) (Server, bool) {
	for _, s := range ss {
		if s.ID == id {
			return s, true
		}
	}

	return Server{}, false
}

// IDs returns the ids of all saved servers in file order.
func (ss Servers) IDs() []string {
	ids := make([]string, 0, len(ss))
	for _, s := range ss {
		ids = append(ids, s.ID)
	}

	return ids
}
