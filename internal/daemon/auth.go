package daemon

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"vigil/internal/config"
	"vigil/internal/jobengine"
)

// authenticator resolves bearer tokens to callers. With no tenants configured
// every request acts as jobengine.LocalCaller.
type authenticator struct {
	tenants []config.Tenant

	// verified caches successful bcrypt comparisons by token digest.
	mu       sync.RWMutex
	verified map[[sha256.Size]byte]jobengine.Caller
}

func newAuthenticator(tenants []config.Tenant) *authenticator {
	return &authenticator{
		tenants:  tenants,
		verified: make(map[[sha256.Size]byte]jobengine.Caller),
	}
}

func (a *authenticator) enabled() bool {
	return a != nil && len(a.tenants) > 0
}

// bearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (a *authenticator) resolve(token string) (jobengine.Caller, bool) {
	if !a.enabled() {
		return jobengine.LocalCaller, true
	}
	if token == "" {
		return jobengine.Caller{}, false
	}
	digest := sha256.Sum256([]byte(token))
	a.mu.RLock()
	caller, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return caller, true
	}
	for _, tenant := range a.tenants {
		if bcrypt.CompareHashAndPassword([]byte(tenant.TokenHash), []byte(token)) != nil {
			continue
		}
		caller = jobengine.Caller{TenantID: tenant.TenantID, OwnerID: tenant.OwnerID, Admin: tenant.Admin}
		a.mu.Lock()
		a.verified[digest] = caller
		a.mu.Unlock()
		return caller, true
	}
	return jobengine.Caller{}, false
}

// HashToken returns the bcrypt hash stored in [[auth.tenants]] token_hash.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
