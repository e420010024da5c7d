package timeline

import (
	"unicode/utf8"

	"github.com/castscribe/castscribe/cmd/internal/engine"
)

// Anchor is a sparse, trusted time marker from the original transcription.
// Anchors carry no text; they exist so rewritten text can be re-timed without
// fragile content matching.
type Anchor struct {
	Start float64
	End   float64
}

// minDuration is the floor applied instead of leaving a merge window with a
// degenerate or negative duration.
const minDuration = 0.01

// mergeFillRatio is how full the merge buffer must be, relative to the
// target sentence length, before the window is cut. Slightly under 1 absorbs
// the small length changes punctuation restoration introduces.
const mergeFillRatio = 0.92

// Reconcile maps finalText onto the anchors in anchor mode. Output segments
// are gapless: together they span exactly [anchors[0].Start,
// anchors[last].End] with non-decreasing starts, and their texts joined in
// order equal finalText.
func Reconcile(finalText string, anchors []Anchor, language string) []engine.Segment {
	sentences := SplitSentences(finalText, language)
	if len(sentences) == 0 {
		return nil
	}
	if len(anchors) == 0 {
		// No timing at all: every sentence lands zero-length at zero.
		segs := make([]engine.Segment, len(sentences))
		for i, s := range sentences {
			segs[i] = engine.Segment{ID: i, Text: s}
		}
		return segs
	}

	if len(sentences) <= len(anchors) {
		return reconcileByAnchorRanges(sentences, anchors)
	}
	return reconcileByCharShare(sentences, anchors)
}

// reconcileByAnchorRanges gives each sentence a contiguous range of anchors
// (N <= M). A segment extends to the next segment's start so inter-anchor
// gaps never become gaps in the output.
func reconcileByAnchorRanges(sentences []string, anchors []Anchor) []engine.Segment {
	n, m := len(sentences), len(anchors)
	ratio := float64(m) / float64(n)

	starts := make([]float64, n)
	for i := 0; i < n; i++ {
		lo := int(float64(i) * ratio)
		if lo >= m {
			lo = m - 1
		}
		starts[i] = anchors[lo].Start
	}

	segs := make([]engine.Segment, n)
	for i := 0; i < n; i++ {
		end := anchors[m-1].End
		if i < n-1 {
			end = starts[i+1]
		}
		segs[i] = engine.Segment{ID: i, Start: starts[i], End: end, Text: sentences[i]}
	}
	return segs
}

// reconcileByCharShare interpolates linearly by cumulative character-length
// share of the total anchor duration (N > M).
func reconcileByCharShare(sentences []string, anchors []Anchor) []engine.Segment {
	base := anchors[0].Start
	total := anchors[len(anchors)-1].End - base

	var totalChars int
	for _, s := range sentences {
		totalChars += utf8.RuneCountInString(s)
	}
	if totalChars == 0 {
		totalChars = 1
	}

	segs := make([]engine.Segment, len(sentences))
	var cum int
	for i, s := range sentences {
		start := base + total*float64(cum)/float64(totalChars)
		cum += utf8.RuneCountInString(s)
		end := base + total*float64(cum)/float64(totalChars)
		segs[i] = engine.Segment{ID: i, Start: start, End: end, Text: s}
	}
	// Float accumulation must not leave the last segment short of the span.
	segs[len(segs)-1].End = anchors[len(anchors)-1].End
	return segs
}

// MergeSegments re-times sentences against coarse original segments when no
// anchors exist. Original segment text is greedily accumulated until it
// reaches mergeFillRatio of the target sentence's length, then the window is
// cut and its start/end become the sentence's timestamps. The majority
// speaker within the window carries over by plurality.
func MergeSegments(sentences []string, segs []engine.Segment) []engine.Segment {
	out := make([]engine.Segment, 0, len(sentences))
	next := 0
	lastEnd := 0.0
	if len(segs) > 0 {
		lastEnd = segs[0].Start
	}

	for i, sentence := range sentences {
		if next >= len(segs) {
			// Leftover sentences are kept, zero-length at the last known end.
			out = append(out, engine.Segment{ID: i, Start: lastEnd, End: lastEnd, Text: sentence})
			continue
		}

		target := int(float64(utf8.RuneCountInString(sentence)) * mergeFillRatio)
		first := next
		var buffered int
		for next < len(segs) {
			buffered += utf8.RuneCountInString(segs[next].Text)
			next++
			if buffered >= target {
				break
			}
		}
		// The final sentence absorbs whatever segments remain.
		if i == len(sentences)-1 {
			next = len(segs)
		}

		window := segs[first:next]
		start := window[0].Start
		end := window[len(window)-1].End
		if end < start+minDuration {
			end = start + minDuration
		}
		lastEnd = end

		out = append(out, engine.Segment{
			ID:      i,
			Start:   start,
			End:     end,
			Text:    sentence,
			Speaker: pluralitySpeaker(window),
		})
	}
	return out
}

// pluralitySpeaker returns the most frequent non-empty speaker label in the
// window, first-seen winning ties.
func pluralitySpeaker(window []engine.Segment) string {
	counts := make(map[string]int)
	var best string
	var bestCount int
	for _, s := range window {
		if s.Speaker == "" {
			continue
		}
		counts[s.Speaker]++
		if counts[s.Speaker] > bestCount {
			best = s.Speaker
			bestCount = counts[s.Speaker]
		}
	}
	return best
}
