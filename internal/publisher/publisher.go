package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crosspost/internal/model"
	"crosspost/internal/notify"
)

// ErrNoEligibleAccounts means permission filtering removed every target; the
// batch fails fast without any network activity.
var ErrNoEligibleAccounts = errors.New("no eligible target accounts")

// AccountSource is the account registry view the orchestrator needs.
type AccountSource interface {
	Get(id string) (model.SocialAccount, bool)
	MarkPublished(id string, t time.Time) error
}

// Dispatcher runs the single-account publish sequence. *platform.Registry
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, acct model.SocialAccount, content model.PostContent) model.PublishResult
}

// AuditLog records publish attempts. *storage.Store satisfies it.
type AuditLog interface {
	InsertPublishLog(accountID string, platform model.Platform, status, preview, errMsg string) error
}

// Eligibility decides whether a caller may publish to an account.
type Eligibility func(callerID string, acct model.SocialAccount) bool

// Publisher fans a publish request out across accounts concurrently and
// aggregates per-account results.
type Publisher struct {
	Accounts AccountSource
	Adapters Dispatcher
	Audit    AuditLog
	Sink     notify.Sink
	Eligible Eligibility
	Log      zerolog.Logger

	now func() time.Time
}

func New(accounts AccountSource, adapters Dispatcher, audit AuditLog, sink notify.Sink, eligible Eligibility, logger zerolog.Logger) *Publisher {
	return &Publisher{
		Accounts: accounts,
		Adapters: adapters,
		Audit:    audit,
		Sink:     sink,
		Eligible: eligible,
		Log:      logger,
		now:      time.Now,
	}
}

// BatchResult aggregates one publish-to-many invocation.
type BatchResult struct {
	Outcome   string                `json:"outcome"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Skipped   int                   `json:"skipped"`
	Results   []model.PublishResult `json:"results"`
}

// PublishToMany publishes the request to every target account the caller may
// publish to. Eligible accounts are attempted concurrently; a failure in one
// account's path never aborts the siblings. Returns ErrNoEligibleAccounts
// before any network call when the eligible set is empty.
func (p *Publisher) PublishToMany(ctx context.Context, callerID string, req model.PublishRequest, accountIDs []string) (*BatchResult, error) {
	var eligible []model.SocialAccount
	skipped := 0
	for _, id := range accountIDs {
		acct, ok := p.Accounts.Get(id)
		if !ok || !p.Eligible(callerID, acct) {
			skipped++
			continue
		}
		eligible = append(eligible, acct)
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: %d target(s) filtered", ErrNoEligibleAccounts, skipped)
	}

	results := make([]model.PublishResult, len(eligible))
	var wg sync.WaitGroup
	for i, acct := range eligible {
		wg.Add(1)
		go func(i int, acct model.SocialAccount) {
			defer wg.Done()
			defer func() {
				// A panic in one account's path becomes that account's
				// failure, nothing more.
				if r := recover(); r != nil {
					results[i] = model.PublishResult{
						AccountID:   acct.ID,
						AccountName: acct.AccountName,
						Platform:    acct.Platform,
						Error:       fmt.Sprintf("panic during publish: %v", r),
					}
				}
			}()
			content := req.ContentFor(acct.Platform)
			res := p.Adapters.Dispatch(ctx, acct, content)
			if res.Success {
				if err := p.Accounts.MarkPublished(acct.ID, res.PublishedAt); err != nil {
					p.Log.Warn().Err(err).Str("account", acct.ID).Msg("record last published")
				}
			}
			results[i] = res
		}(i, acct)
	}
	wg.Wait()

	batch := &BatchResult{Skipped: skipped, Results: results}
	for _, res := range results {
		if res.Success {
			batch.Succeeded++
		} else {
			batch.Failed++
		}
		p.audit(res, req.ContentFor(res.Platform).Text)
	}
	batch.Outcome = classify(batch.Succeeded, batch.Failed)

	p.notifyOutcome(ctx, batch)
	return batch, nil
}

func classify(succeeded, failed int) string {
	switch {
	case failed == 0:
		return model.BatchSuccess
	case succeeded == 0:
		return model.BatchFailed
	default:
		return model.BatchPartial
	}
}

func (p *Publisher) audit(res model.PublishResult, text string) {
	if p.Audit == nil {
		return
	}
	status := "sent"
	if !res.Success {
		status = "failed"
	}
	if err := p.Audit.InsertPublishLog(res.AccountID, res.Platform, status, preview(text), res.Error); err != nil {
		p.Log.Warn().Err(err).Str("account", res.AccountID).Msg("write publish log")
	}
}

func (p *Publisher) notifyOutcome(ctx context.Context, batch *BatchResult) {
	if p.Sink == nil {
		return
	}
	total := batch.Succeeded + batch.Failed
	var text string
	switch batch.Outcome {
	case model.BatchSuccess:
		text = fmt.Sprintf("Published to all %d account(s)", total)
	case model.BatchPartial:
		text = fmt.Sprintf("Published to %d of %d account(s); %d failed", batch.Succeeded, total, batch.Failed)
	default:
		text = fmt.Sprintf("Publishing failed on all %d account(s)", total)
	}
	p.Sink.Notify(ctx, text)
}

func preview(s string) string {
	if len(s) <= 128 {
		return s
	}
	return s[:128]
}
