package linkedin

import (
	"context"
	"net/http"

	"crosspost/internal/model"
	"crosspost/internal/platform"
)

const defaultBaseURL = "https://api.linkedin.com"

// Adapter publishes text shares (optionally with an article link) as UGC
// posts. LinkedIn publishing here is text-only, so the media phase is skipped
// entirely. The account's ExternalID is the member/organization URN.
type Adapter struct {
	Client       *platform.Client
	ClientID     string
	ClientSecret string
	BaseURL      string
}

func New(client *platform.Client, clientID, clientSecret, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{Client: client, ClientID: clientID, ClientSecret: clientSecret, BaseURL: baseURL}
}

func (a *Adapter) Platform() model.Platform { return model.PlatformLinkedIn }

type shareContent struct {
	ShareCommentary struct {
		Text string `json:"text"`
	} `json:"shareCommentary"`
	ShareMediaCategory string       `json:"shareMediaCategory"`
	Media              []shareMedia `json:"media,omitempty"`
}

type shareMedia struct {
	Status      string `json:"status"`
	OriginalURL string `json:"originalUrl"`
}

type ugcPostReq struct {
	Author          string                  `json:"author"`
	LifecycleState  string                  `json:"lifecycleState"`
	SpecificContent map[string]shareContent `json:"specificContent"`
	Visibility      map[string]string       `json:"visibility"`
}

type ugcPostResp struct {
	ID string `json:"id"`
}

// Publish creates one UGC post. A link becomes an ARTICLE share; plain text
// otherwise.
func (a *Adapter) Publish(ctx context.Context, acct model.SocialAccount, content model.PostContent) (string, error) {
	sc := shareContent{ShareMediaCategory: "NONE"}
	sc.ShareCommentary.Text = content.Text
	if content.Link != "" {
		sc.ShareMediaCategory = "ARTICLE"
		sc.Media = []shareMedia{{Status: "READY", OriginalURL: content.Link}}
	}
	req := ugcPostReq{
		Author:          acct.ExternalID,
		LifecycleState:  "PUBLISHED",
		SpecificContent: map[string]shareContent{"com.linkedin.ugc.ShareContent": sc},
		Visibility:      map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}
	headers := map[string]string{
		"Authorization":             "Bearer " + acct.AccessToken,
		"X-Restli-Protocol-Version": "2.0.0",
	}
	var resp ugcPostResp
	if err := a.Client.DoJSON(ctx, a.Platform(), http.MethodPost, a.BaseURL+"/v2/ugcPosts", headers, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Refresh performs one OAuth2 refresh_token grant.
func (a *Adapter) Refresh(ctx context.Context, acct model.SocialAccount) (model.SocialAccount, error) {
	return a.Client.RefreshGrant(ctx, acct, a.BaseURL+"/oauth/v2/accessToken", a.ClientID, a.ClientSecret)
}
