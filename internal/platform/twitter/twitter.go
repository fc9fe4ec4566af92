package twitter

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"crosspost/internal/model"
	"crosspost/internal/platform"
)

const defaultBaseURL = "https://api.twitter.com"

// Adapter publishes tweets via the v2 API, uploading media through the v1.1
// chunked-less endpoint first.
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

func (a *Adapter) Platform() model.Platform { return model.PlatformTwitter }

type mediaUploadResp struct {
	MediaIDString string `json:"media_id_string"`
}

type tweetReq struct {
	Text  string `json:"text"`
	Media *struct {
		MediaIDs []string `json:"media_ids"`
	} `json:"media,omitempty"`
}

type tweetResp struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Publish uploads each media item, then creates the tweet referencing them.
// Text-only tweets skip the media phase.
func (a *Adapter) Publish(ctx context.Context, acct model.SocialAccount, content model.PostContent) (string, error) {
	headers := map[string]string{"Authorization": "Bearer " + acct.AccessToken}

	text := content.Text
	if content.Link != "" {
		text += " " + content.Link
	}

	var mediaIDs []string
	for _, u := range content.MediaURLs {
		data, _, err := a.Client.FetchMedia(ctx, a.Platform(), u)
		if err != nil {
			return "", fmt.Errorf("fetch media: %w", err)
		}
		body := map[string]string{"media_data": base64.StdEncoding.EncodeToString(data)}
		var up mediaUploadResp
		if err := a.Client.DoJSON(ctx, a.Platform(), http.MethodPost,
			a.BaseURL+"/1.1/media/upload.json", headers, body, &up); err != nil {
			return "", fmt.Errorf("upload media: %w", err)
		}
		mediaIDs = append(mediaIDs, up.MediaIDString)
	}

	req := tweetReq{Text: text}
	if len(mediaIDs) > 0 {
		req.Media = &struct {
			MediaIDs []string `json:"media_ids"`
		}{MediaIDs: mediaIDs}
	}
	var resp tweetResp
	if err := a.Client.DoJSON(ctx, a.Platform(), http.MethodPost,
		a.BaseURL+"/2/tweets", headers, req, &resp); err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

// Refresh performs one OAuth2 refresh_token grant.
func (a *Adapter) Refresh(ctx context.Context, acct model.SocialAccount) (model.SocialAccount, error) {
	return a.Client.RefreshGrant(ctx, acct, a.BaseURL+"/2/oauth2/token", a.ClientID, a.ClientSecret)
}
