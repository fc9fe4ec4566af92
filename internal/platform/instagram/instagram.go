package instagram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crosspost/internal/model"
	"crosspost/internal/platform"
)

const defaultBaseURL = "https://graph.facebook.com/v19.0"

// Adapter publishes to Instagram Business accounts through the Graph API's
// container flow. Instagram disallows pure-text posts; the account's
// ExternalID is the IG user id.
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

func (a *Adapter) Platform() model.Platform { return model.PlatformInstagram }

type idResp struct {
	ID string `json:"id"`
}

// Publish creates one container per media item and publishes it. More than
// one media item goes through the carousel container path; zero media is an
// error before any network call.
func (a *Adapter) Publish(ctx context.Context, acct model.SocialAccount, content model.PostContent) (string, error) {
	switch n := len(content.MediaURLs); {
	case n == 0:
		return "", fmt.Errorf("instagram requires at least one media attachment")
	case n == 1:
		containerID, err := a.createContainer(ctx, acct, content.MediaURLs[0], content.Text, false)
		if err != nil {
			return "", err
		}
		return a.publishContainer(ctx, acct, containerID)
	default:
		children := make([]string, 0, n)
		for _, u := range content.MediaURLs {
			childID, err := a.createContainer(ctx, acct, u, "", true)
			if err != nil {
				return "", err
			}
			children = append(children, childID)
		}
		carouselID, err := a.createCarousel(ctx, acct, children, content.Text)
		if err != nil {
			return "", err
		}
		return a.publishContainer(ctx, acct, carouselID)
	}
}

// The Graph API takes the token as a query parameter, not a header.
func (a *Adapter) createContainer(ctx context.Context, acct model.SocialAccount, mediaURL, caption string, carouselItem bool) (string, error) {
	q := url.Values{
		"image_url":    {mediaURL},
		"access_token": {acct.AccessToken},
	}
	if caption != "" {
		q.Set("caption", caption)
	}
	if carouselItem {
		q.Set("is_carousel_item", "true")
	}
	var resp idResp
	endpoint := fmt.Sprintf("%s/%s/media?%s", a.BaseURL, acct.ExternalID, q.Encode())
	if err := a.Client.DoJSON(ctx, a.Platform(), http.MethodPost, endpoint, nil, nil, &resp); err != nil {
		return "", fmt.Errorf("create media container: %w", err)
	}
	return resp.ID, nil
}

func (a *Adapter) createCarousel(ctx context.Context, acct model.SocialAccount, children []string, caption string) (string, error) {
	q := url.Values{
		"media_type":   {"CAROUSEL"},
		"children":     {strings.Join(children, ",")},
		"access_token": {acct.AccessToken},
	}
	if caption != "" {
		q.Set("caption", caption)
	}
	var resp idResp
	endpoint := fmt.Sprintf("%s/%s/media?%s", a.BaseURL, acct.ExternalID, q.Encode())
	if err := a.Client.DoJSON(ctx, a.Platform(), http.MethodPost, endpoint, nil, nil, &resp); err != nil {
		return "", fmt.Errorf("create carousel container: %w", err)
	}
	return resp.ID, nil
}

func (a *Adapter) publishContainer(ctx context.Context, acct model.SocialAccount, containerID string) (string, error) {
	q := url.Values{
		"creation_id":  {containerID},
		"access_token": {acct.AccessToken},
	}
	var resp idResp
	endpoint := fmt.Sprintf("%s/%s/media_publish?%s", a.BaseURL, acct.ExternalID, q.Encode())
	if err := a.Client.DoJSON(ctx, a.Platform(), http.MethodPost, endpoint, nil, nil, &resp); err != nil {
		return "", fmt.Errorf("publish container: %w", err)
	}
	return resp.ID, nil
}

// Refresh exchanges the current token for a long-lived one. The Graph API
// does not rotate refresh tokens; expiry comes back as expires_in.
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
		return acct, fmt.Errorf("instagram token exchange returned no access token")
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
