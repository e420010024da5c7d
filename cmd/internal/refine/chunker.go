package refine

import (
	"strings"
	"unicode/utf8"
)

// defaultMaxChunkChars caps chunk size in runes. Chat models drift on very
// long inputs, and smaller chunks keep a single failure cheap to degrade.
const defaultMaxChunkChars = 500

var (
	strongBreaks = map[rune]bool{'。': true, '！': true, '？': true, '…': true}
	softBreaks   = map[rune]bool{'，': true, '、': true, '；': true, '：': true}
)

// splitChunks breaks text into refinement units of at most maxChars runes.
// Cuts land after strong sentence punctuation where possible, after soft
// clause punctuation otherwise, and at the hard cap as a last resort, so the
// model never sees a sentence sliced mid-clause unless it is oversized.
// Concatenating the chunks reproduces text exactly.
func splitChunks(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = defaultMaxChunkChars
	}
	if text == "" {
		return nil
	}

	var chunks []string
	for _, sentence := range splitAfter(text, strongBreaks) {
		if runeLen(sentence) <= maxChars {
			chunks = appendPacked(chunks, sentence, maxChars)
			continue
		}
		for _, clause := range splitAfter(sentence, softBreaks) {
			if runeLen(clause) <= maxChars {
				chunks = appendPacked(chunks, clause, maxChars)
				continue
			}
			for _, piece := range hardCut(clause, maxChars) {
				chunks = append(chunks, piece)
			}
		}
	}
	return chunks
}

// appendPacked merges piece into the last chunk when the combined length
// still fits, otherwise starts a new chunk.
func appendPacked(chunks []string, piece string, maxChars int) []string {
	if n := len(chunks); n > 0 && runeLen(chunks[n-1])+runeLen(piece) <= maxChars {
		chunks[n-1] += piece
		return chunks
	}
	return append(chunks, piece)
}

// splitAfter splits text into pieces, each ending with one of the given
// break runes (except possibly the last).
func splitAfter(text string, breaks map[rune]bool) []string {
	var parts []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if breaks[r] {
			parts = append(parts, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func hardCut(text string, maxChars int) []string {
	var parts []string
	runes := []rune(text)
	for len(runes) > maxChars {
		parts = append(parts, string(runes[:maxChars]))
		runes = runes[maxChars:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
