package model

import "time"

// Platform identifies a supported social network destination.
type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformWhatsApp  Platform = "whatsapp"
)

// Platforms lists every platform the system knows about, in a stable order.
var Platforms = []Platform{
	PlatformTwitter,
	PlatformInstagram,
	PlatformFacebook,
	PlatformLinkedIn,
	PlatformWhatsApp,
}

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// Team role constants relative to a connected account.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Scheduled post lifecycle states.
const (
	PostStatusScheduled = "scheduled"
	PostStatusPosted    = "posted"
	PostStatusFailed    = "failed"
	PostStatusCancelled = "cancelled"
)

// Batch outcome classifications for a publish-to-many invocation.
const (
	BatchSuccess = "success"
	BatchPartial = "partial"
	BatchFailed  = "failed"
)

// SocialAccount represents a connected destination for content.
type SocialAccount struct {
	ID            string     `json:"id" db:"id"`
	Platform      Platform   `json:"platform" db:"platform"`
	ExternalID    string     `json:"external_id" db:"external_id"`
	AccountName   string     `json:"account_name" db:"account_name"`
	AccessToken   string     `json:"-" db:"access_token"`
	RefreshToken  string     `json:"-" db:"refresh_token"`
	TokenExpiry   *time.Time `json:"token_expiry,omitempty" db:"token_expiry"`
	Active        bool       `json:"active" db:"active"`
	UserID        string     `json:"user_id" db:"user_id"`
	TeamRole      string     `json:"team_role" db:"team_role"`
	ClientID      string     `json:"client_id,omitempty" db:"client_id"`
	LastPublished *time.Time `json:"last_published,omitempty" db:"last_published"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Publishable reports whether the account can be used to publish at all.
// Token expiry is handled separately by the refresh path; an expired token
// alone does not make the account unpublishable. WhatsApp accounts are
// session-paired and carry no OAuth token.
func (a SocialAccount) Publishable() bool {
	if !a.Active {
		return false
	}
	return a.AccessToken != "" || a.Platform == PlatformWhatsApp
}

// TokenExpired reports whether the access token expiry is known and in the past.
func (a SocialAccount) TokenExpired(now time.Time) bool {
	return a.TokenExpiry != nil && a.TokenExpiry.Before(now)
}

// PostContent is the platform-neutral payload of a post.
type PostContent struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Link      string   `json:"link,omitempty"`
}

// PlatformOverride replaces parts of the content for one platform.
type PlatformOverride struct {
	Text     string   `json:"text,omitempty"`
	Hashtags []string `json:"hashtags,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	Link     string   `json:"link,omitempty"`
}

// PublishRequest is an ephemeral content payload, constructed per call.
type PublishRequest struct {
	Content     PostContent                   `json:"content"`
	Overrides   map[Platform]PlatformOverride `json:"overrides,omitempty"`
	ScheduledAt *time.Time                    `json:"scheduled_at,omitempty"`
}

// ContentFor returns the content with any override for the given platform
// applied. Hashtags and mentions are appended to the text the way the
// dashboard composer renders them.
func (r PublishRequest) ContentFor(p Platform) PostContent {
	content := r.Content
	ov, ok := r.Overrides[p]
	if !ok {
		return content
	}
	if ov.Text != "" {
		content.Text = ov.Text
	}
	for _, m := range ov.Mentions {
		content.Text += " @" + m
	}
	for _, h := range ov.Hashtags {
		content.Text += " #" + h
	}
	if ov.Link != "" {
		content.Link = ov.Link
	}
	return content
}

// PublishResult is the outcome of one publish attempt against one account.
// Immutable once produced.
type PublishResult struct {
	AccountID      string    `json:"account_id"`
	AccountName    string    `json:"account_name,omitempty"`
	Platform       Platform  `json:"platform"`
	Success        bool      `json:"success"`
	PlatformPostID string    `json:"platform_post_id,omitempty"`
	PublishedAt    time.Time `json:"published_at,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// ScheduledPost is a persisted unit of future publishing work.
type ScheduledPost struct {
	ID             string      `json:"id" db:"id"`
	ClientID       string      `json:"client_id" db:"client_id"`
	CreatedBy      string      `json:"created_by" db:"created_by"`
	Title          string      `json:"title" db:"title"`
	Content        PostContent `json:"content" db:"content"`
	Platform       Platform    `json:"platform" db:"platform"`
	AccountID      string      `json:"account_id,omitempty" db:"account_id"`
	ScheduledFor   time.Time   `json:"scheduled_for" db:"scheduled_for"`
	PillarID       string      `json:"pillar_id,omitempty" db:"pillar_id"`
	Status         string      `json:"status" db:"status"`
	FailureReason  string      `json:"failure_reason,omitempty" db:"failure_reason"`
	PlatformPostID string      `json:"platform_post_id,omitempty" db:"platform_post_id"`
	PostedAt       *time.Time  `json:"posted_at,omitempty" db:"posted_at"`
	Engagement     string      `json:"engagement,omitempty" db:"engagement"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the post can no longer transition.
func (p ScheduledPost) Terminal() bool {
	return p.Status == PostStatusPosted || p.Status == PostStatusCancelled
}

// DistributionRule caps a client's posting cadence. Read-only input to
// validation; Enforce decides whether violations block scheduling or are
// reported as advisory warnings.
type DistributionRule struct {
	ClientID        string         `json:"client_id" db:"client_id"`
	MaxPostsPerDay  int            `json:"max_posts_per_day" db:"max_posts_per_day"`
	MinGapHours     float64        `json:"min_gap_hours" db:"min_gap_hours"`
	Enforce         bool           `json:"enforce" db:"enforce"`
	PillarTargets   map[string]int `json:"pillar_targets,omitempty" db:"pillar_targets"`
	PlatformTargets map[string]int `json:"platform_targets,omitempty" db:"platform_targets"`
}

// ValidationResult is the outcome of platform content validation.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// DistributionReport is the outcome of distribution-rule validation.
type DistributionReport struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}
