package mirror

import (
	"net/url"
	"strings"

	"github.com/memohai/imagemirror/internal/media"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg", ".avif"}

// Embed types whose own URL points straight at the image.
const (
	embedTypeImage = "image"
	embedTypeGifv  = "gifv"
)

// ExtractImages lists the image candidates of a message: image attachments in
// their original order, then at most one image URL per embed, in embed order.
// An empty result means the message carries no image content.
func ExtractImages(attachments []Attachment, embeds []Embed) []media.Candidate {
	var candidates []media.Candidate
	for _, att := range attachments {
		if !IsImageAttachment(att) {
			continue
		}
		candidates = append(candidates, media.Candidate{
			URL:  att.URL,
			Name: strings.TrimSpace(att.Filename),
		})
	}
	for _, embed := range embeds {
		if u := embedImageURL(embed); u != "" {
			candidates = append(candidates, media.Candidate{URL: u})
		}
	}
	return candidates
}

// IsImageAttachment classifies an attachment by its declared content type, or
// by the extension of its filename or URL when no content type is declared.
func IsImageAttachment(att Attachment) bool {
	if strings.TrimSpace(att.URL) == "" {
		return false
	}
	contentType := strings.ToLower(strings.TrimSpace(att.ContentType))
	if contentType != "" {
		return strings.HasPrefix(contentType, "image")
	}
	return hasImageExtension(att.Filename) || hasImageExtension(att.URL) || hasImageExtension(urlPath(att.URL))
}

func embedImageURL(embed Embed) string {
	if u := strings.TrimSpace(embed.ImageURL); u != "" {
		return u
	}
	if u := strings.TrimSpace(embed.ThumbnailURL); u != "" {
		return u
	}
	switch strings.ToLower(embed.Type) {
	case embedTypeImage, embedTypeGifv:
		return strings.TrimSpace(embed.URL)
	}
	return ""
}

func hasImageExtension(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}
