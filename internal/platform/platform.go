package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"crosspost/internal/model"
)

var (
	// ErrUnsupportedPlatform is returned when no adapter is registered for a
	// platform. Dispatching to it never silently no-ops.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrNotPublishable is returned for inactive accounts or accounts with no
	// stored credential.
	ErrNotPublishable = errors.New("account is not publishable")
)

// Adapter converts a generic publish request into platform-specific calls.
// Publish performs at most one attempt per invocation; retries belong to the
// caller. Refresh performs exactly one credential refresh attempt.
type Adapter interface {
	Platform() model.Platform
	Publish(ctx context.Context, acct model.SocialAccount, content model.PostContent) (postID string, err error)
	Refresh(ctx context.Context, acct model.SocialAccount) (model.SocialAccount, error)
}

// TokenSaver persists refreshed credentials. Wired to storage + registry.
type TokenSaver func(accountID, accessToken, refreshToken string, expiry *time.Time) error

// Registry maps platforms to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Platform]Adapter
	saveTok  TokenSaver
	now      func() time.Time
}

func NewRegistry(saveTokens TokenSaver) *Registry {
	return &Registry{
		adapters: make(map[model.Platform]Adapter),
		saveTok:  saveTokens,
		now:      time.Now,
	}
}

// Register adds an adapter; the last registration for a platform wins.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

// Get returns the adapter for a platform.
func (r *Registry) Get(p model.Platform) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}
	return a, nil
}

// Supported lists registered platforms.
func (r *Registry) Supported() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

// Dispatch runs the full single-account publish sequence: validate, refresh
// expired credentials (one attempt), then publish. Every failure is converted
// into the returned PublishResult; steps never run out of order.
func (r *Registry) Dispatch(ctx context.Context, acct model.SocialAccount, content model.PostContent) model.PublishResult {
	res := model.PublishResult{
		AccountID:   acct.ID,
		AccountName: acct.AccountName,
		Platform:    acct.Platform,
	}

	adapter, err := r.Get(acct.Platform)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	// Pre-flight validation, before any network call.
	if v := ValidateContent(acct.Platform, content.Text, content.MediaURLs); !v.Valid {
		res.Error = strings.Join(v.Errors, "; ")
		return res
	}

	if !acct.Publishable() {
		res.Error = fmt.Sprintf("%v: account %s", ErrNotPublishable, acct.ID)
		return res
	}

	// Credential freshness: exactly one refresh attempt, no internal retry.
	if acct.TokenExpired(r.now()) {
		refreshed, err := adapter.Refresh(ctx, acct)
		if err != nil {
			res.Error = fmt.Sprintf("refresh credentials: %v", err)
			return res
		}
		if r.saveTok != nil {
			if err := r.saveTok(acct.ID, refreshed.AccessToken, refreshed.RefreshToken, refreshed.TokenExpiry); err != nil {
				res.Error = fmt.Sprintf("persist refreshed credentials: %v", err)
				return res
			}
		}
		acct = refreshed
	}

	postID, err := adapter.Publish(ctx, acct, content)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.PlatformPostID = postID
	res.PublishedAt = r.now().UTC()
	return res
}
