package platform

import (
	"fmt"

	"crosspost/internal/model"
)

// Constraints describe what a platform accepts in one post.
type Constraints struct {
	MaxTextLen int
	MinMedia   int
	MaxMedia   int
}

var constraints = map[model.Platform]Constraints{
	model.PlatformTwitter:   {MaxTextLen: 280, MinMedia: 0, MaxMedia: 4},
	model.PlatformInstagram: {MaxTextLen: 2200, MinMedia: 1, MaxMedia: 10},
	model.PlatformFacebook:  {MaxTextLen: 63206, MinMedia: 0, MaxMedia: 10},
	model.PlatformLinkedIn:  {MaxTextLen: 3000, MinMedia: 0, MaxMedia: 0},
	model.PlatformWhatsApp:  {MaxTextLen: 4096, MinMedia: 0, MaxMedia: 30},
}

// ConstraintsFor returns the constraint table entry for a platform.
func ConstraintsFor(p model.Platform) (Constraints, bool) {
	c, ok := constraints[p]
	return c, ok
}

// ValidateContent checks text and media attachments against the platform's
// constraints. Pure; never touches the network. All violations are returned,
// not just the first.
func ValidateContent(p model.Platform, text string, mediaURLs []string) model.ValidationResult {
	c, ok := constraints[p]
	if !ok {
		return model.ValidationResult{Errors: []string{fmt.Sprintf("unsupported platform: %s", p)}}
	}
	var errs []string
	if n := len([]rune(text)); n > c.MaxTextLen {
		errs = append(errs, fmt.Sprintf("%s: text exceeds the %d character limit (got %d)", p, c.MaxTextLen, n))
	}
	if len(mediaURLs) < c.MinMedia {
		errs = append(errs, fmt.Sprintf("%s requires at least %d media attachment(s)", p, c.MinMedia))
	}
	if len(mediaURLs) > c.MaxMedia {
		if c.MaxMedia == 0 {
			errs = append(errs, fmt.Sprintf("%s does not support media attachments", p))
		} else {
			errs = append(errs, fmt.Sprintf("%s allows at most %d media attachment(s) (got %d)", p, c.MaxMedia, len(mediaURLs)))
		}
	}
	return model.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
