package registry

import (
	"sync"
	"time"

	"crosspost/internal/model"
)

// PublishRecorder persists the last-published timestamp behind the in-memory
// view. *storage.Store satisfies it.
type PublishRecorder interface {
	TouchLastPublished(id string, t time.Time) error
}

// Registry is the in-memory view of connected accounts, keyed by account id.
// Updates are applied per key under the lock, so concurrent publishes to
// different accounts never clobber each other.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]model.SocialAccount
	recorder PublishRecorder
}

func New(recorder PublishRecorder) *Registry {
	return &Registry{
		accounts: make(map[string]model.SocialAccount),
		recorder: recorder,
	}
}

// Hydrate replaces the in-memory view with the given accounts.
func (r *Registry) Hydrate(accounts []model.SocialAccount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = make(map[string]model.SocialAccount, len(accounts))
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
}

// Put inserts or replaces one account.
func (r *Registry) Put(a model.SocialAccount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.ID] = a
}

// Get returns the account by id.
func (r *Registry) Get(id string) (model.SocialAccount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// Remove drops an account from the in-memory view (e.g. after deactivation).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, id)
}

// Filter returns accounts matching the given criteria. Zero values match
// everything; activeOnly skips deactivated accounts.
func (r *Registry) Filter(platform model.Platform, clientID string, activeOnly bool) []model.SocialAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.SocialAccount
	for _, a := range r.accounts {
		if platform != "" && a.Platform != platform {
			continue
		}
		if clientID != "" && a.ClientID != clientID {
			continue
		}
		if activeOnly && !a.Active {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Eligible reports whether the caller may publish to the account. A viewer is
// never eligible, regardless of ownership metadata; otherwise the caller must
// own the account or hold the admin or editor role on it.
func Eligible(callerID string, a model.SocialAccount) bool {
	if a.TeamRole == model.RoleViewer {
		return false
	}
	if a.UserID == callerID {
		return true
	}
	return a.TeamRole == model.RoleAdmin || a.TeamRole == model.RoleEditor
}

// MarkPublished records a successful publish timestamp for the account,
// keyed by id, and writes it through to storage.
func (r *Registry) MarkPublished(id string, t time.Time) error {
	r.mu.Lock()
	if a, ok := r.accounts[id]; ok {
		ts := t
		a.LastPublished = &ts
		r.accounts[id] = a
	}
	r.mu.Unlock()
	if r.recorder == nil {
		return nil
	}
	return r.recorder.TouchLastPublished(id, t)
}

// UpdateTokens refreshes the cached credentials after a token refresh.
func (r *Registry) UpdateTokens(id, accessToken, refreshToken string, expiry *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return
	}
	a.AccessToken = accessToken
	a.RefreshToken = refreshToken
	a.TokenExpiry = expiry
	r.accounts[id] = a
}
