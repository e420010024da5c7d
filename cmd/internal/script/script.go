// Package script classifies transcript text by writing system. The pipeline
// branches on Han-script content: boundary restoration applies to it, and the
// strategy layer routes it to the high-accuracy engine.
package script

import "unicode"

// Kind identifies a script family.
type Kind string

const (
	Han     Kind = "han"
	Latin   Kind = "latin"
	Unknown Kind = "unknown"
)

// hanDensityThreshold is the minimum share of Han characters among letters
// for text to count as Han-dominant. Sparse matches are skipped entirely so
// predominantly different-script text is never "corrected".
const hanDensityThreshold = 0.3

// HanRatio returns the share of Han characters among all letters in text.
// Returns 0 for text with no letters.
func HanRatio(text string) float64 {
	var letters, han int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(han) / float64(letters)
}

// NeedsBoundaryRestoration reports whether text is Han-dominant enough for
// punctuation restoration to apply.
func NeedsBoundaryRestoration(text string) bool {
	return HanRatio(text) >= hanDensityThreshold
}

// Dominant classifies text by its overwhelming script. Mixed-script text
// (both families above 10% of letters) is Unknown: the mismatch heuristic
// must not fire on legitimately bilingual content.
func Dominant(text string) Kind {
	var letters, han, latin int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		switch {
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}
	if letters == 0 {
		return Unknown
	}

	hanShare := float64(han) / float64(letters)
	latinShare := float64(latin) / float64(letters)

	if hanShare > 0.1 && latinShare > 0.1 {
		return Unknown
	}
	switch {
	case hanShare >= 0.8:
		return Han
	case latinShare >= 0.8:
		return Latin
	default:
		return Unknown
	}
}

// LongestRun returns the length in runes of the longest uninterrupted run of
// the given script in text. Whitespace inside a run does not break it.
func LongestRun(text string, kind Kind) int {
	var best, cur int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		match := false
		switch kind {
		case Han:
			match = unicode.Is(unicode.Han, r)
		case Latin:
			match = unicode.Is(unicode.Latin, r)
		}
		if match {
			cur++
			if cur > best {
				best = cur
			}
		} else if unicode.IsLetter(r) {
			cur = 0
		}
	}
	return best
}

// ForLanguage maps a language code to the script family it is expected to be
// written in.
func ForLanguage(lang string) Kind {
	switch lang {
	case "zh", "zh-CN", "zh-TW", "zh-Hans", "zh-Hant", "yue":
		return Han
	case "":
		return Unknown
	default:
		return Latin
	}
}
