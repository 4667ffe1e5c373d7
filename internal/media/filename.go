package media

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	// MaxFilenameLength bounds sanitized filenames.
	MaxFilenameLength = 120
	defaultExtension  = "jpg"
	defaultBaseName   = "image"
)

var plausibleExtension = regexp.MustCompile(`\.[A-Za-z0-9]{2,6}$`)

// SanitizeFilename replaces every character outside [A-Za-z0-9._-] with "_"
// and truncates the result to MaxFilenameLength characters.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > MaxFilenameLength {
		out = out[:MaxFilenameLength]
	}
	return out
}

// HasPlausibleExtension reports whether name ends in a dot followed by
// 2 to 6 alphanumeric characters.
func HasPlausibleExtension(name string) bool {
	return plausibleExtension.MatchString(name)
}

// LastPathSegment returns the last non-empty path segment of rawURL, ignoring
// query and fragment.
func LastPathSegment(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	} else if idx := strings.IndexAny(p, "?#"); idx >= 0 {
		p = p[:idx]
	}
	segments := strings.Split(p, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(segments[i]); s != "" {
			return s
		}
	}
	return ""
}

// ExtensionFromMime maps an image content type to a file extension, falling
// back to "jpg" when the type is missing or not an image.
func ExtensionFromMime(mime string) string {
	mime = strings.ToLower(normalizeMime(mime))
	subtype, ok := strings.CutPrefix(mime, "image/")
	if !ok {
		return defaultExtension
	}
	if idx := strings.IndexByte(subtype, '+'); idx >= 0 {
		subtype = subtype[:idx]
	}
	if subtype == "" {
		return defaultExtension
	}
	for _, r := range subtype {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return defaultExtension
		}
	}
	return subtype
}

// DeriveFilename picks a filename for a downloaded payload: the URL's last
// path segment, with an extension from mime appended when the segment has no
// plausible one.
func DeriveFilename(rawURL, mime string) string {
	name := LastPathSegment(rawURL)
	if name == "" {
		name = defaultBaseName
	}
	if !HasPlausibleExtension(name) {
		name = strings.TrimSuffix(name, ".") + "." + ExtensionFromMime(mime)
	}
	return name
}

func normalizeMime(mime string) string {
	mime = strings.TrimSpace(mime)
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	return mime
}
