package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crosspost/internal/model"
	"crosspost/internal/notify"
)

var (
	// ErrContentInvalid means platform content validation rejected the post
	// before anything was persisted.
	ErrContentInvalid = errors.New("content validation failed")
	// ErrDistribution means the client's distribution rule blocked scheduling.
	ErrDistribution = errors.New("distribution rule violated")
	// ErrNoAccount means no active account matches the post's (client,
	// platform) pair.
	ErrNoAccount = errors.New("no active account for client and platform")
	// ErrAmbiguousAccount means more than one active account matches and the
	// post does not name one explicitly.
	ErrAmbiguousAccount = errors.New("multiple active accounts for client and platform")
)

// Store is the persistence surface the engine needs. *storage.Store
// satisfies it.
type Store interface {
	CreateScheduledPost(p model.ScheduledPost) (string, error)
	GetScheduledPost(id string) (model.ScheduledPost, error)
	MarkPosted(id, platformPostID string, postedAt time.Time) error
	MarkFailed(id, reason string) error
	ResetToScheduled(id string) error
	CancelPost(id string) error
	ListDuePosts(now time.Time, limit int) ([]model.ScheduledPost, error)
	PostsInWindow(clientID string, from, to time.Time) ([]model.ScheduledPost, error)
	GetDistributionRule(clientID string) (model.DistributionRule, bool, error)
	GetAccount(id string) (model.SocialAccount, error)
	ActiveAccountsByClientPlatform(clientID string, platform model.Platform) ([]model.SocialAccount, error)
}

// Dispatcher runs the single-account publish sequence. *platform.Registry
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, acct model.SocialAccount, content model.PostContent) model.PublishResult
}

// Validator checks content against platform constraints before persistence.
// platform.ValidateContent satisfies it.
type Validator func(p model.Platform, text string, mediaURLs []string) model.ValidationResult

// Engine owns the scheduled-post lifecycle and drives due posts to
// publication.
type Engine struct {
	Store    Store
	Adapters Dispatcher
	Validate Validator
	Sink     notify.Sink
	Log      zerolog.Logger

	tick      time.Duration
	batchSize int
	running   bool
	stop      chan struct{}
	now       func() time.Time
}

func New(store Store, adapters Dispatcher, validate Validator, sink notify.Sink, logger zerolog.Logger, tick time.Duration, batchSize int) *Engine {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Engine{
		Store:     store,
		Adapters:  adapters,
		Validate:  validate,
		Sink:      sink,
		Log:       logger,
		tick:      tick,
		batchSize: batchSize,
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

// CreateScheduledPost validates the candidate, persists it as scheduled, and
// publishes immediately when the requested time is now or past. The returned
// report carries distribution-rule findings; with a non-enforcing rule they
// are advisory and the post is still accepted.
func (e *Engine) CreateScheduledPost(ctx context.Context, p model.ScheduledPost) (model.ScheduledPost, model.DistributionReport, error) {
	report := model.DistributionReport{Valid: true}

	// Platform validation runs before any persistence.
	if v := e.Validate(p.Platform, p.Content.Text, p.Content.MediaURLs); !v.Valid {
		return p, report, fmt.Errorf("%w: %s", ErrContentInvalid, strings.Join(v.Errors, "; "))
	}

	rule, hasRule, err := e.Store.GetDistributionRule(p.ClientID)
	if err != nil {
		return p, report, fmt.Errorf("load distribution rule: %w", err)
	}
	if hasRule {
		dayStart, dayEnd := dayWindow(p.ScheduledFor)
		existing, err := e.Store.PostsInWindow(p.ClientID, dayStart, dayEnd)
		if err != nil {
			return p, report, fmt.Errorf("load same-day posts: %w", err)
		}
		report = ValidateContentDistribution(p, existing, rule)
		if !report.Valid && rule.Enforce {
			return p, report, fmt.Errorf("%w: %s", ErrDistribution, strings.Join(report.Issues, "; "))
		}
	}

	id, err := e.Store.CreateScheduledPost(p)
	if err != nil {
		return p, report, fmt.Errorf("persist scheduled post: %w", err)
	}
	p.ID = id
	p.Status = model.PostStatusScheduled

	// Due now: publish immediately instead of waiting for the next tick.
	if !p.ScheduledFor.After(e.now()) {
		published, err := e.PublishScheduledPost(ctx, id)
		return published, report, err
	}
	return p, report, nil
}

// PublishScheduledPost resolves the post's destination account, publishes
// through the adapter layer, and transitions the record. Every failure path
// leaves the record failed with a populated reason before the error is
// returned.
func (e *Engine) PublishScheduledPost(ctx context.Context, id string) (model.ScheduledPost, error) {
	post, err := e.Store.GetScheduledPost(id)
	if err != nil {
		return post, err
	}
	if post.Status != model.PostStatusScheduled {
		return post, fmt.Errorf("post %s is %s, not scheduled", id, post.Status)
	}

	acct, err := e.resolveAccount(post)
	if err != nil {
		return e.fail(post, err.Error(), err)
	}

	res := e.Adapters.Dispatch(ctx, acct, post.Content)
	if !res.Success {
		return e.fail(post, res.Error, errors.New(res.Error))
	}

	if err := e.Store.MarkPosted(id, res.PlatformPostID, res.PublishedAt); err != nil {
		return post, fmt.Errorf("record posted state: %w", err)
	}
	post.Status = model.PostStatusPosted
	post.PlatformPostID = res.PlatformPostID
	postedAt := res.PublishedAt
	post.PostedAt = &postedAt
	post.FailureReason = ""

	e.Log.Info().Str("post", id).Str("platform", string(post.Platform)).Str("account", acct.ID).Msg("scheduled post published")
	if e.Sink != nil {
		e.Sink.Notify(ctx, fmt.Sprintf("Scheduled post %q published to %s", post.Title, post.Platform))
	}
	return post, nil
}

// RetryFailedPost resets a failed post to scheduled, clearing the failure
// reason, then attempts to publish again. The reset is observable even when
// the republish fails.
func (e *Engine) RetryFailedPost(ctx context.Context, id string) (model.ScheduledPost, error) {
	if err := e.Store.ResetToScheduled(id); err != nil {
		return model.ScheduledPost{}, err
	}
	return e.PublishScheduledPost(ctx, id)
}

// CancelScheduledPost transitions a scheduled post to cancelled. Terminal.
func (e *Engine) CancelScheduledPost(id string) error {
	return e.Store.CancelPost(id)
}

func (e *Engine) resolveAccount(post model.ScheduledPost) (model.SocialAccount, error) {
	if post.AccountID != "" {
		acct, err := e.Store.GetAccount(post.AccountID)
		if err != nil {
			return acct, fmt.Errorf("resolve account %s: %w", post.AccountID, err)
		}
		if !acct.Active {
			return acct, fmt.Errorf("account %s is deactivated", post.AccountID)
		}
		return acct, nil
	}
	matches, err := e.Store.ActiveAccountsByClientPlatform(post.ClientID, post.Platform)
	if err != nil {
		return model.SocialAccount{}, fmt.Errorf("resolve account: %w", err)
	}
	switch len(matches) {
	case 0:
		return model.SocialAccount{}, fmt.Errorf("%w: client %s, platform %s", ErrNoAccount, post.ClientID, post.Platform)
	case 1:
		return matches[0], nil
	default:
		return model.SocialAccount{}, fmt.Errorf("%w: client %s has %d active %s accounts", ErrAmbiguousAccount, post.ClientID, len(matches), post.Platform)
	}
}

// fail records the failure reason on the post and returns the cause.
func (e *Engine) fail(post model.ScheduledPost, reason string, cause error) (model.ScheduledPost, error) {
	if err := e.Store.MarkFailed(post.ID, reason); err != nil {
		e.Log.Error().Err(err).Str("post", post.ID).Msg("record failed state")
	} else {
		post.Status = model.PostStatusFailed
		post.FailureReason = reason
	}
	e.Log.Warn().Str("post", post.ID).Str("reason", reason).Msg("scheduled post failed")
	return post, cause
}

// ValidateContentDistribution checks a candidate post against the client's
// distribution rule, given the other posts in the candidate's calendar day
// (local midnight to midnight). Pure; returns every issue found. Whether
// issues block scheduling is the rule's Enforce policy, decided by the caller.
func ValidateContentDistribution(candidate model.ScheduledPost, existing []model.ScheduledPost, rule model.DistributionRule) model.DistributionReport {
	dayStart, dayEnd := dayWindow(candidate.ScheduledFor)

	var sameDay []model.ScheduledPost
	for _, p := range existing {
		if p.ID != "" && p.ID == candidate.ID {
			continue
		}
		if p.ClientID != candidate.ClientID || p.Status == model.PostStatusCancelled {
			continue
		}
		if p.ScheduledFor.Before(dayStart) || !p.ScheduledFor.Before(dayEnd) {
			continue
		}
		sameDay = append(sameDay, p)
	}

	var issues []string
	if rule.MaxPostsPerDay > 0 && len(sameDay) >= rule.MaxPostsPerDay {
		issues = append(issues, fmt.Sprintf("daily maximum of %d post(s) reached: %d already scheduled on %s",
			rule.MaxPostsPerDay, len(sameDay), dayStart.Format("2006-01-02")))
	}
	if rule.MinGapHours > 0 {
		minGap := time.Duration(rule.MinGapHours * float64(time.Hour))
		for _, p := range sameDay {
			gap := candidate.ScheduledFor.Sub(p.ScheduledFor)
			if gap < 0 {
				gap = -gap
			}
			if gap < minGap {
				issues = append(issues, fmt.Sprintf("scheduled %.1f hour(s) from another post; minimum gap is %.1f hour(s)",
					gap.Hours(), rule.MinGapHours))
			}
		}
	}
	return model.DistributionReport{Valid: len(issues) == 0, Issues: issues}
}

func dayWindow(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return start, start.Add(24 * time.Hour)
}

// Start runs the due-post loop in a goroutine. Call Stop to halt it.
func (e *Engine) Start(ctx context.Context) {
	if e.running {
		return
	}
	e.running = true
	go e.loop(ctx)
}

// Stop halts the due-post loop.
func (e *Engine) Stop() {
	if !e.running {
		return
	}
	close(e.stop)
	e.running = false
}

func (e *Engine) loop(ctx context.Context) {
	defer func() { e.running = false }()
	tick := time.NewTicker(e.tick)
	defer tick.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := e.processDue(ctx); err != nil {
				e.Log.Error().Err(err).Msg("scheduler cycle")
			}
		}
	}
}

// processDue publishes every post whose time has arrived, up to the batch
// size, one at a time.
func (e *Engine) processDue(ctx context.Context) error {
	due, err := e.Store.ListDuePosts(e.now(), e.batchSize)
	if err != nil {
		return err
	}
	for _, post := range due {
		if _, err := e.PublishScheduledPost(ctx, post.ID); err != nil {
			// Already recorded on the post; log and keep going.
			e.Log.Warn().Err(err).Str("post", post.ID).Msg("due post publish failed")
		}
	}
	return nil
}
