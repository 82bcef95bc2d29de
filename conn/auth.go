package conn

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
)

// ErrUnauthorized is returned when a request carries no valid API key.
var ErrUnauthorized = errors.New("conn: unauthorized")

// Authenticator resolves a request to the owner it acts for.
type Authenticator interface {
	Authenticate(r *http.Request) (owner string, err error)
}

// APIKeyAuthenticator maps static API keys to owners. Keys arrive as a
// bearer token or, for websocket clients that cannot set headers, as a
// "token" query parameter.
type APIKeyAuthenticator struct {
	mu   sync.RWMutex
	keys map[string]string // key → owner
}

// NewAPIKeyAuthenticator creates an authenticator with no keys.
func NewAPIKeyAuthenticator() *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: make(map[string]string)}
}

// SetKey registers or replaces the API key for an owner.
func (a *APIKeyAuthenticator) SetKey(owner, key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = owner
}

// RevokeKey removes an API key.
func (a *APIKeyAuthenticator) RevokeKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, key)
}

// Authenticate resolves the request's API key to an owner. Every known
// key is compared in constant time so response timing does not reveal
// near-misses.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", ErrUnauthorized
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	owner := ""
	for key, keyOwner := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			owner = keyOwner
		}
	}
	if owner == "" {
		return "", ErrUnauthorized
	}
	return owner, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}
