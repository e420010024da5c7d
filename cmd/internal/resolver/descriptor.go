// Package resolver turns a normalized source id into ranked audio stream
// descriptors by querying the metadata provider, with a short-TTL cache in
// front of it.
package resolver

import (
	"sort"
	"strings"
)

// FormatDescriptor describes one candidate audio stream for a source.
// Descriptors are immutable once resolved.
type FormatDescriptor struct {
	ID               string `json:"id"`
	URL              string `json:"url"`
	MimeType         string `json:"mime_type"`
	BitrateKbps      int    `json:"bitrate_kbps"`
	ContentLength    int64  `json:"content_length,omitempty"`
	ApproxDurationMs int64  `json:"approx_duration_ms"`
	SupportsRanges   bool   `json:"supports_ranges"`
	IsDefault        bool   `json:"is_default"`
	IsDRC            bool   `json:"is_drc"`
}

// SelectOptions tunes descriptor selection.
type SelectOptions struct {
	// PreferSmallSize short-circuits to the first candidate after filtering,
	// minimizing over-fetch for short clips.
	PreferSmallSize bool
}

// mimeFamilyRank orders preferred mime families: m4a/aac containers rank above
// webm/opus, unknown families last.
func mimeFamilyRank(mimeType string) int {
	mt := strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mt, "audio/mp4"), strings.Contains(mt, "mp4a"):
		return 2
	case strings.HasPrefix(mt, "audio/webm"), strings.Contains(mt, "opus"):
		return 1
	default:
		return 0
	}
}

// rank orders descriptors by the deterministic selection score:
// non-DRC > preferred mime family > higher bitrate > larger declared size.
func rank(descs []FormatDescriptor) []FormatDescriptor {
	ranked := make([]FormatDescriptor, len(descs))
	copy(ranked, descs)

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.IsDRC != b.IsDRC {
			return !a.IsDRC
		}
		if ra, rb := mimeFamilyRank(a.MimeType), mimeFamilyRank(b.MimeType); ra != rb {
			return ra > rb
		}
		if a.BitrateKbps != b.BitrateKbps {
			return a.BitrateKbps > b.BitrateKbps
		}
		return a.ContentLength > b.ContentLength
	})

	return ranked
}

// SelectBest picks the best descriptor from a resolved set. The input order
// does not matter; ranking is recomputed deterministically.
func SelectBest(descs []FormatDescriptor, opts SelectOptions) (FormatDescriptor, bool) {
	if len(descs) == 0 {
		return FormatDescriptor{}, false
	}

	ranked := rank(descs)

	if opts.PreferSmallSize {
		// Skip full ranking and take the smallest non-DRC candidate to
		// minimize over-fetch for short clips.
		best := ranked[0]
		for _, d := range ranked {
			if d.IsDRC {
				continue
			}
			if smallerThan(d, best) || best.IsDRC {
				best = d
			}
		}
		return best, true
	}

	return ranked[0], true
}

func smallerThan(a, b FormatDescriptor) bool {
	if a.ContentLength > 0 && b.ContentLength > 0 {
		return a.ContentLength < b.ContentLength
	}
	return a.BitrateKbps < b.BitrateKbps
}
