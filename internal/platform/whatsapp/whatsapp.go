package whatsapp

import (
	"context"
	"strings"

	"crosspost/internal/model"
	"crosspost/internal/platform"
	"crosspost/internal/wa"
)

// Adapter publishes to a WhatsApp chat through the session manager. The
// account's ExternalID is the destination chat JID. Unlike the REST
// platforms, sessions are device-paired, so Refresh is a connectivity check
// rather than a token grant.
type Adapter struct {
	Manager *wa.Manager
	Client  *platform.Client
}

func New(manager *wa.Manager, client *platform.Client) *Adapter {
	return &Adapter{Manager: manager, Client: client}
}

func (a *Adapter) Platform() model.Platform { return model.PlatformWhatsApp }

// Publish sends the text first, then each media item with the text as the
// caption of the first. The returned id is the first message id.
func (a *Adapter) Publish(ctx context.Context, acct model.SocialAccount, content model.PostContent) (string, error) {
	if err := a.Manager.ConnectIfPaired(acct.ID); err != nil {
		return "", err
	}

	text := content.Text
	if content.Link != "" {
		text += "\n" + content.Link
	}

	var firstID string
	if strings.TrimSpace(text) != "" && len(content.MediaURLs) == 0 {
		id, err := a.Manager.SendText(ctx, acct.ID, acct.ExternalID, text)
		if err != nil {
			return "", err
		}
		firstID = id
	}

	for i, u := range content.MediaURLs {
		data, mime, err := a.Client.FetchMedia(ctx, a.Platform(), u)
		if err != nil {
			return "", err
		}
		caption := ""
		if i == 0 {
			caption = text
		}
		id, err := a.Manager.SendMedia(ctx, acct.ID, acct.ExternalID, data, mime, caption)
		if err != nil {
			return "", err
		}
		if firstID == "" {
			firstID = id
		}
	}
	return firstID, nil
}

// Refresh verifies the session is still paired; there is no token to rotate.
func (a *Adapter) Refresh(ctx context.Context, acct model.SocialAccount) (model.SocialAccount, error) {
	if err := a.Manager.ConnectIfPaired(acct.ID); err != nil {
		return acct, err
	}
	return acct, nil
}
