// Package source normalizes opaque user-supplied source identifiers into a
// canonical resource id: an 11-character platform video id extracted from the
// common URL shapes, a direct audio URL, or a local file path.
package source

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Kind classifies a normalized source.
type Kind string

const (
	// KindVideo is a streaming-platform video referenced by its 11-character id.
	KindVideo Kind = "video"
	// KindDirectURL is a direct audio URL fetched as-is.
	KindDirectURL Kind = "direct_url"
	// KindFile is a local file path used as its own id.
	KindFile Kind = "file"
)

// Source is a normalized reference to an audio-bearing resource.
type Source struct {
	Kind Kind
	ID   string
	URL  string // original URL for direct sources, empty for bare video ids
}

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

var audioExtensions = map[string]bool{
	".mp3": true, ".m4a": true, ".aac": true, ".ogg": true,
	".opus": true, ".wav": true, ".flac": true, ".webm": true,
}

// Normalize converts a raw identifier into a canonical Source.
// Recognized video URL shapes: watch?v=ID, youtu.be/ID, /embed/ID,
// /shorts/ID, /live/ID, and a bare 11-character id.
func Normalize(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, fmt.Errorf("empty source identifier")
	}

	if videoIDPattern.MatchString(raw) {
		return Source{Kind: KindVideo, ID: raw}, nil
	}

	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Source{}, fmt.Errorf("unparseable source URL: %w", err)
		}

		if id, ok := videoIDFromURL(u); ok {
			return Source{Kind: KindVideo, ID: id, URL: raw}, nil
		}

		// Anything else over HTTP is treated as a direct audio URL and is
		// its own identity.
		return Source{Kind: KindDirectURL, ID: raw, URL: raw}, nil
	}

	if looksLikeAudioPath(raw) {
		return Source{Kind: KindFile, ID: raw}, nil
	}

	return Source{}, fmt.Errorf("unrecognized source identifier: %q", raw)
}

// videoIDFromURL extracts an 11-character video id from the known URL shapes.
func videoIDFromURL(u *url.URL) (string, bool) {
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	switch host {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if i := strings.Index(id, "/"); i >= 0 {
			id = id[:i]
		}
		if videoIDPattern.MatchString(id) {
			return id, true
		}
	case "youtube.com", "music.youtube.com":
		if id := u.Query().Get("v"); videoIDPattern.MatchString(id) {
			return id, true
		}
		for _, prefix := range []string{"/embed/", "/shorts/", "/live/", "/v/"} {
			if strings.HasPrefix(u.Path, prefix) {
				id := strings.Trim(strings.TrimPrefix(u.Path, prefix), "/")
				if i := strings.Index(id, "/"); i >= 0 {
					id = id[:i]
				}
				if videoIDPattern.MatchString(id) {
					return id, true
				}
			}
		}
	}
	return "", false
}

func looksLikeAudioPath(p string) bool {
	lower := strings.ToLower(p)
	for ext := range audioExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
