package publisher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/model"
)

type fakeAccounts struct {
	mu        sync.Mutex
	accounts  map[string]model.SocialAccount
	published map[string]time.Time
}

func newFakeAccounts(accts ...model.SocialAccount) *fakeAccounts {
	f := &fakeAccounts{
		accounts:  make(map[string]model.SocialAccount),
		published: make(map[string]time.Time),
	}
	for _, a := range accts {
		f.accounts[a.ID] = a
	}
	return f
}

func (f *fakeAccounts) Get(id string) (model.SocialAccount, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	return a, ok
}

func (f *fakeAccounts) MarkPublished(id string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[id] = t
	return nil
}

type dispatchFunc func(ctx context.Context, acct model.SocialAccount, content model.PostContent) model.PublishResult

func (f dispatchFunc) Dispatch(ctx context.Context, acct model.SocialAccount, content model.PostContent) model.PublishResult {
	return f(ctx, acct, content)
}

func succeedAll(calls *int64) dispatchFunc {
	return func(_ context.Context, acct model.SocialAccount, _ model.PostContent) model.PublishResult {
		atomic.AddInt64(calls, 1)
		return model.PublishResult{
			AccountID:   acct.ID,
			AccountName: acct.AccountName,
			Platform:    acct.Platform,
			Success:     true,
			PublishedAt: time.Now().UTC(),
		}
	}
}

func allowAll(string, model.SocialAccount) bool { return true }

func ownerOnly(caller string, a model.SocialAccount) bool { return a.UserID == caller }

func acct(id string, p model.Platform, userID string) model.SocialAccount {
	return model.SocialAccount{ID: id, Platform: p, AccountName: id, AccessToken: "tok", Active: true, UserID: userID}
}

func TestPublishToManyFansOutToAllEligible(t *testing.T) {
	accounts := newFakeAccounts(
		acct("tw", model.PlatformTwitter, "u1"),
		acct("fb", model.PlatformFacebook, "u1"),
		acct("li", model.PlatformLinkedIn, "u1"),
	)
	var calls int64
	p := New(accounts, succeedAll(&calls), nil, nil, allowAll, zerolog.Nop())

	batch, err := p.PublishToMany(context.Background(), "u1",
		model.PublishRequest{Content: model.PostContent{Text: "hello"}},
		[]string{"tw", "fb", "li"})
	require.NoError(t, err)

	assert.Equal(t, model.BatchSuccess, batch.Outcome)
	assert.Equal(t, 3, batch.Succeeded)
	assert.Equal(t, 0, batch.Failed)
	assert.Equal(t, 0, batch.Skipped)
	assert.Len(t, batch.Results, 3)
	assert.EqualValues(t, 3, calls)
	assert.Len(t, accounts.published, 3)
}

func TestPublishToManySkipsIneligibleAndUnknown(t *testing.T) {
	accounts := newFakeAccounts(
		acct("mine", model.PlatformTwitter, "u1"),
		acct("theirs", model.PlatformFacebook, "u2"),
	)
	var calls int64
	p := New(accounts, succeedAll(&calls), nil, nil, ownerOnly, zerolog.Nop())

	batch, err := p.PublishToMany(context.Background(), "u1",
		model.PublishRequest{Content: model.PostContent{Text: "hi"}},
		[]string{"mine", "theirs", "ghost"})
	require.NoError(t, err)

	assert.Equal(t, 1, batch.Succeeded)
	assert.Equal(t, 2, batch.Skipped)
	assert.EqualValues(t, 1, calls, "filtered accounts must never be dispatched")
}

func TestPublishToManyFailsFastWithNoEligibleTargets(t *testing.T) {
	accounts := newFakeAccounts(acct("theirs", model.PlatformTwitter, "u2"))
	var calls int64
	p := New(accounts, succeedAll(&calls), nil, nil, ownerOnly, zerolog.Nop())

	batch, err := p.PublishToMany(context.Background(), "u1",
		model.PublishRequest{Content: model.PostContent{Text: "hi"}},
		[]string{"theirs", "ghost"})
	require.ErrorIs(t, err, ErrNoEligibleAccounts)
	assert.Nil(t, batch)
	assert.EqualValues(t, 0, calls, "no network activity when everything is filtered")
}

func TestPublishToManyPartialFailure(t *testing.T) {
	accounts := newFakeAccounts(
		acct("a", model.PlatformTwitter, "u1"),
		acct("b", model.PlatformFacebook, "u1"),
		acct("c", model.PlatformLinkedIn, "u1"),
	)
	dispatch := dispatchFunc(func(_ context.Context, a model.SocialAccount, _ model.PostContent) model.PublishResult {
		res := model.PublishResult{AccountID: a.ID, Platform: a.Platform}
		if a.ID == "b" {
			res.Error = "token revoked"
			return res
		}
		res.Success = true
		res.PublishedAt = time.Now().UTC()
		return res
	})
	p := New(accounts, dispatch, nil, nil, allowAll, zerolog.Nop())

	batch, err := p.PublishToMany(context.Background(), "u1",
		model.PublishRequest{Content: model.PostContent{Text: "hi"}},
		[]string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, model.BatchPartial, batch.Outcome)
	assert.Equal(t, 2, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)

	// Results keep one entry per attempted account, failures included.
	byAccount := map[string]model.PublishResult{}
	for _, r := range batch.Results {
		byAccount[r.AccountID] = r
	}
	assert.Equal(t, "token revoked", byAccount["b"].Error)
	assert.True(t, byAccount["a"].Success)

	// Only successes touch last-published.
	assert.Contains(t, accounts.published, "a")
	assert.Contains(t, accounts.published, "c")
	assert.NotContains(t, accounts.published, "b")
}

func TestPublishToManyAllFailed(t *testing.T) {
	accounts := newFakeAccounts(acct("a", model.PlatformTwitter, "u1"))
	dispatch := dispatchFunc(func(_ context.Context, a model.SocialAccount, _ model.PostContent) model.PublishResult {
		return model.PublishResult{AccountID: a.ID, Platform: a.Platform, Error: "down"}
	})
	p := New(accounts, dispatch, nil, nil, allowAll, zerolog.Nop())

	batch, err := p.PublishToMany(context.Background(), "u1",
		model.PublishRequest{Content: model.PostContent{Text: "hi"}}, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, model.BatchFailed, batch.Outcome)
}

func TestPublishToManyPanicBecomesAccountFailure(t *testing.T) {
	accounts := newFakeAccounts(
		acct("ok", model.PlatformTwitter, "u1"),
		acct("boom", model.PlatformFacebook, "u1"),
	)
	dispatch := dispatchFunc(func(_ context.Context, a model.SocialAccount, _ model.PostContent) model.PublishResult {
		if a.ID == "boom" {
			panic("adapter bug")
		}
		return model.PublishResult{AccountID: a.ID, Platform: a.Platform, Success: true, PublishedAt: time.Now().UTC()}
	})
	p := New(accounts, dispatch, nil, nil, allowAll, zerolog.Nop())

	batch, err := p.PublishToMany(context.Background(), "u1",
		model.PublishRequest{Content: model.PostContent{Text: "hi"}},
		[]string{"ok", "boom"})
	require.NoError(t, err)

	assert.Equal(t, model.BatchPartial, batch.Outcome)
	assert.Equal(t, 1, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	var boom model.PublishResult
	for _, r := range batch.Results {
		if r.AccountID == "boom" {
			boom = r
		}
	}
	assert.Contains(t, boom.Error, "panic during publish")
}

func TestPublishToManyAppliesPlatformOverrides(t *testing.T) {
	accounts := newFakeAccounts(
		acct("tw", model.PlatformTwitter, "u1"),
		acct("fb", model.PlatformFacebook, "u1"),
	)
	seen := struct {
		sync.Mutex
		texts map[model.Platform]string
	}{texts: map[model.Platform]string{}}

	dispatch := dispatchFunc(func(_ context.Context, a model.SocialAccount, c model.PostContent) model.PublishResult {
		seen.Lock()
		seen.texts[a.Platform] = c.Text
		seen.Unlock()
		return model.PublishResult{AccountID: a.ID, Platform: a.Platform, Success: true, PublishedAt: time.Now().UTC()}
	})
	p := New(accounts, dispatch, nil, nil, allowAll, zerolog.Nop())

	req := model.PublishRequest{
		Content: model.PostContent{Text: "base"},
		Overrides: map[model.Platform]model.PlatformOverride{
			model.PlatformTwitter: {Text: "short take", Hashtags: []string{"launch"}},
		},
	}
	_, err := p.PublishToMany(context.Background(), "u1", req, []string{"tw", "fb"})
	require.NoError(t, err)

	assert.Equal(t, "short take #launch", seen.texts[model.PlatformTwitter])
	assert.Equal(t, "base", seen.texts[model.PlatformFacebook])
}
