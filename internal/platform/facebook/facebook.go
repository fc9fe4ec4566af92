package facebook

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"crosspost/internal/model"
	"crosspost/internal/platform"
)

const defaultBaseURL = "https://graph.facebook.com/v19.0"

// Adapter publishes to Facebook Pages. Photos are uploaded unpublished first,
// then attached to a feed post; text-only posts go straight to the feed. The
// account's ExternalID is the page id.
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

func (a *Adapter) Platform() model.Platform { return model.PlatformFacebook }

type idResp struct {
	ID string `json:"id"`
}

type attachedMedia struct {
	MediaFBID string `json:"media_fbid"`
}

type feedReq struct {
	Message       string          `json:"message,omitempty"`
	Link          string          `json:"link,omitempty"`
	AttachedMedia []attachedMedia `json:"attached_media,omitempty"`
	AccessToken   string          `json:"access_token"`
}

// Publish uploads each photo unpublished, then creates one feed post
// referencing every uploaded handle.
func (a *Adapter) Publish(ctx context.Context, acct model.SocialAccount, content model.PostContent) (string, error) {
	var attached []attachedMedia
	for _, u := range content.MediaURLs {
		q := url.Values{
			"url":          {u},
			"published":    {"false"},
			"access_token": {acct.AccessToken},
		}
		var photo idResp
		endpoint := fmt.Sprintf("%s/%s/photos?%s", a.BaseURL, acct.ExternalID, q.Encode())
		if err := a.Client.DoJSON(ctx, a.Platform(), http.MethodPost, endpoint, nil, nil, &photo); err != nil {
			return "", fmt.Errorf("upload photo: %w", err)
		}
		attached = append(attached, attachedMedia{MediaFBID: photo.ID})
	}

	req := feedReq{
		Message:       content.Text,
		Link:          content.Link,
		AttachedMedia: attached,
		AccessToken:   acct.AccessToken,
	}
	var resp idResp
	endpoint := fmt.Sprintf("%s/%s/feed", a.BaseURL, acct.ExternalID)
	if err := a.Client.DoJSON(ctx, a.Platform(), http.MethodPost, endpoint, nil, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Refresh exchanges the current token for a long-lived one.
func (a *Adapter) Refresh(ctx context.Context, acct model.SocialAccount) (model.SocialAccount, error) {
	form := url.Values{
		"grant_type":        {"fb_exchange_token"},
		"client_id":         {a.ClientID},
		"client_secret":     {a.ClientSecret},
		"fb_exchange_token": {acct.AccessToken},
	}
	var tok platform.TokenResponse
	if err := a.Client.DoForm(ctx, a.Platform(), a.BaseURL+"/oauth/access_token", form, &tok); err != nil {
		return acct, err
	}
	if tok.AccessToken == "" {
		return acct, fmt.Errorf("facebook token exchange returned no access token")
	}
	acct.AccessToken = tok.AccessToken
	if tok.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
		acct.TokenExpiry = &exp
	} else {
		acct.TokenExpiry = nil
	}
	return acct, nil
}
