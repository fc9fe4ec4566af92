package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	store, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedPost(t *testing.T, s *Store) string {
	t.Helper()
	id, err := s.CreateScheduledPost(model.ScheduledPost{
		ClientID:     "c1",
		CreatedBy:    "u1",
		Title:        "launch",
		Content:      model.PostContent{Text: "hello", MediaURLs: []string{"https://cdn/a.jpg"}},
		Platform:     model.PlatformTwitter,
		ScheduledFor: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return id
}

func TestAccountRoundTrip(t *testing.T) {
	s := testStore(t)
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	id, err := s.CreateAccount(model.SocialAccount{
		Platform:     model.PlatformInstagram,
		ExternalID:   "ig-123",
		AccountName:  "brand",
		AccessToken:  "tok",
		RefreshToken: "ref",
		TokenExpiry:  &exp,
		Active:       true,
		UserID:       "u1",
		TeamRole:     model.RoleEditor,
		ClientID:     "c1",
	})
	require.NoError(t, err)

	got, err := s.GetAccount(id)
	require.NoError(t, err)
	assert.Equal(t, model.PlatformInstagram, got.Platform)
	assert.Equal(t, "ig-123", got.ExternalID)
	assert.Equal(t, "tok", got.AccessToken)
	assert.Equal(t, model.RoleEditor, got.TeamRole)
	assert.Equal(t, "c1", got.ClientID)
	assert.True(t, got.Active)
	require.NotNil(t, got.TokenExpiry)
	assert.WithinDuration(t, exp, *got.TokenExpiry, time.Second)

	_, err = s.GetAccount("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAccountDefaultsRoleToOwner(t *testing.T) {
	s := testStore(t)
	id, err := s.CreateAccount(model.SocialAccount{Platform: model.PlatformTwitter, UserID: "u1", Active: true})
	require.NoError(t, err)
	got, err := s.GetAccount(id)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOwner, got.TeamRole)
}

func TestUpdateAccountTokens(t *testing.T) {
	s := testStore(t)
	id, err := s.CreateAccount(model.SocialAccount{Platform: model.PlatformTwitter, UserID: "u1", AccessToken: "old", Active: true})
	require.NoError(t, err)

	exp := time.Now().Add(2 * time.Hour)
	require.NoError(t, s.UpdateAccountTokens(id, "new", "new-ref", &exp))

	got, err := s.GetAccount(id)
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
	assert.Equal(t, "new-ref", got.RefreshToken)

	require.ErrorIs(t, s.UpdateAccountTokens("missing", "a", "b", nil), ErrNotFound)
}

func TestActiveAccountsByClientPlatform(t *testing.T) {
	s := testStore(t)
	mk := func(client string, p model.Platform, active bool) {
		_, err := s.CreateAccount(model.SocialAccount{Platform: p, UserID: "u1", ClientID: client, Active: active, AccessToken: "t"})
		require.NoError(t, err)
	}
	mk("c1", model.PlatformTwitter, true)
	mk("c1", model.PlatformTwitter, false)
	mk("c1", model.PlatformFacebook, true)
	mk("c2", model.PlatformTwitter, true)

	list, err := s.ActiveAccountsByClientPlatform("c1", model.PlatformTwitter)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPostContentSurvivesRoundTrip(t *testing.T) {
	s := testStore(t)
	id := seedPost(t, s)

	got, err := s.GetScheduledPost(id)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content.Text)
	assert.Equal(t, []string{"https://cdn/a.jpg"}, got.Content.MediaURLs)
	assert.Equal(t, model.PostStatusScheduled, got.Status)
	assert.Nil(t, got.PostedAt)
}

func TestPostLifecycleGuards(t *testing.T) {
	s := testStore(t)
	id := seedPost(t, s)

	// scheduled -> posted
	postedAt := time.Now()
	require.NoError(t, s.MarkPosted(id, "tw-1", postedAt))
	got, err := s.GetScheduledPost(id)
	require.NoError(t, err)
	assert.Equal(t, model.PostStatusPosted, got.Status)
	assert.Equal(t, "tw-1", got.PlatformPostID)
	require.NotNil(t, got.PostedAt)
	assert.Empty(t, got.FailureReason)

	// posted is terminal
	require.ErrorIs(t, s.MarkPosted(id, "tw-2", postedAt), ErrInvalidTransition)
	require.ErrorIs(t, s.MarkFailed(id, "late failure"), ErrInvalidTransition)
	require.ErrorIs(t, s.CancelPost(id), ErrInvalidTransition)
	require.ErrorIs(t, s.ResetToScheduled(id), ErrInvalidTransition)

	// unknown ids are distinguishable from bad transitions
	require.ErrorIs(t, s.MarkPosted("missing", "x", postedAt), ErrNotFound)
}

func TestFailedPostRetryCycle(t *testing.T) {
	s := testStore(t)
	id := seedPost(t, s)

	require.NoError(t, s.MarkFailed(id, "rate limited"))
	got, err := s.GetScheduledPost(id)
	require.NoError(t, err)
	assert.Equal(t, model.PostStatusFailed, got.Status)
	assert.Equal(t, "rate limited", got.FailureReason)
	assert.Nil(t, got.PostedAt, "failed posts never carry a posted time")

	require.NoError(t, s.ResetToScheduled(id))
	got, err = s.GetScheduledPost(id)
	require.NoError(t, err)
	assert.Equal(t, model.PostStatusScheduled, got.Status)
	assert.Empty(t, got.FailureReason, "reset clears the old reason")
}

func TestMarkFailedDefaultsReason(t *testing.T) {
	s := testStore(t)
	id := seedPost(t, s)
	require.NoError(t, s.MarkFailed(id, ""))
	got, err := s.GetScheduledPost(id)
	require.NoError(t, err)
	assert.Equal(t, "unknown error", got.FailureReason)
}

func TestRecordEngagementOnlyOnPostedPosts(t *testing.T) {
	s := testStore(t)
	id := seedPost(t, s)

	require.ErrorIs(t, s.RecordEngagement(id, `{"likes":3}`), ErrInvalidTransition)

	require.NoError(t, s.MarkPosted(id, "tw-1", time.Now()))
	require.NoError(t, s.RecordEngagement(id, `{"likes":3}`))

	got, err := s.GetScheduledPost(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"likes":3}`, got.Engagement)
}

func TestListDuePosts(t *testing.T) {
	s := testStore(t)
	now := time.Now()

	mk := func(at time.Time) string {
		id, err := s.CreateScheduledPost(model.ScheduledPost{
			ClientID: "c1", CreatedBy: "u1", Content: model.PostContent{Text: "x"},
			Platform: model.PlatformTwitter, ScheduledFor: at,
		})
		require.NoError(t, err)
		return id
	}
	older := mk(now.Add(-2 * time.Hour))
	newer := mk(now.Add(-time.Hour))
	mk(now.Add(time.Hour)) // not due

	due, err := s.ListDuePosts(now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, older, due[0].ID, "oldest first")
	assert.Equal(t, newer, due[1].ID)

	limited, err := s.ListDuePosts(now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// Failed posts are not due; they wait for an explicit retry.
	require.NoError(t, s.MarkFailed(older, "down"))
	due, err = s.ListDuePosts(now, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestPostsInWindowExcludesCancelled(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)

	mk := func(client string, at time.Time) string {
		id, err := s.CreateScheduledPost(model.ScheduledPost{
			ClientID: client, CreatedBy: "u1", Content: model.PostContent{Text: "x"},
			Platform: model.PlatformTwitter, ScheduledFor: at,
		})
		require.NoError(t, err)
		return id
	}
	kept := mk("c1", base)
	cancelled := mk("c1", base.Add(time.Hour))
	mk("c2", base) // other client
	require.NoError(t, s.CancelPost(cancelled))

	from := base.Add(-time.Hour)
	to := base.Add(12 * time.Hour)
	posts, err := s.PostsInWindow("c1", from, to)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, kept, posts[0].ID)
}

func TestDistributionRuleUpsert(t *testing.T) {
	s := testStore(t)

	_, ok, err := s.GetDistributionRule("c1")
	require.NoError(t, err)
	assert.False(t, ok)

	rule := model.DistributionRule{
		ClientID:        "c1",
		MaxPostsPerDay:  3,
		MinGapHours:     2.5,
		Enforce:         true,
		PillarTargets:   map[string]int{"education": 2},
		PlatformTargets: map[string]int{"twitter": 1},
	}
	require.NoError(t, s.UpsertDistributionRule(rule))

	got, ok, err := s.GetDistributionRule("c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.MaxPostsPerDay)
	assert.Equal(t, 2.5, got.MinGapHours)
	assert.True(t, got.Enforce)
	assert.Equal(t, 2, got.PillarTargets["education"])

	rule.MaxPostsPerDay = 5
	rule.Enforce = false
	require.NoError(t, s.UpsertDistributionRule(rule))
	got, ok, err = s.GetDistributionRule("c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, got.MaxPostsPerDay)
	assert.False(t, got.Enforce)
}

func TestPublishLogStats(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.InsertPublishLog("a1", model.PlatformTwitter, "sent", "hello", ""))
	require.NoError(t, s.InsertPublishLog("a1", model.PlatformFacebook, "sent", "hello", ""))
	require.NoError(t, s.InsertPublishLog("a2", model.PlatformTwitter, "failed", "hello", "token revoked"))

	total, success, failed, err := s.StatsToday()
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.EqualValues(t, 2, success)
	assert.EqualValues(t, 1, failed)
}
