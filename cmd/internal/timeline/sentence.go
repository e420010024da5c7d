// Package timeline re-derives sentence-level timestamps for transcript text
// whose wording was rewritten after the engine produced its timing. It never
// content-matches rewritten text against the original; timing comes from
// trusted anchors or coarse original segments instead.
package timeline

import (
	"strings"
	"unicode"

	"github.com/castscribe/castscribe/cmd/internal/script"
)

var hanSentenceEnds = map[rune]bool{'。': true, '！': true, '？': true, '…': true}

// closers are trailing quote/bracket runes that belong to the sentence they
// close.
var closers = map[rune]bool{'”': true, '』': true, '】': true, '）': true, '"': true, ')': true}

// SplitSentences splits text into sentences using script-aware boundary
// rules. Han text breaks after 。！？… plus any trailing closing quote or
// bracket; Latin text breaks after . ! ? followed by whitespace, with the
// whitespace kept on the finished sentence. Joining the result reproduces
// text exactly.
func SplitSentences(text, language string) []string {
	if text == "" {
		return nil
	}
	if useHanRules(text, language) {
		return splitHan(text)
	}
	return splitLatin(text)
}

func useHanRules(text, language string) bool {
	switch script.ForLanguage(language) {
	case script.Han:
		return true
	case script.Latin:
		return false
	}
	return script.NeedsBoundaryRestoration(text)
}

func splitHan(text string) []string {
	var sentences []string
	var b strings.Builder
	pending := false // a sentence end was seen, closers may still follow
	for _, r := range text {
		if pending && !closers[r] {
			sentences = append(sentences, b.String())
			b.Reset()
			pending = false
		}
		b.WriteRune(r)
		if hanSentenceEnds[r] {
			pending = true
		}
	}
	if b.Len() > 0 {
		sentences = append(sentences, b.String())
	}
	return sentences
}

func splitLatin(text string) []string {
	var sentences []string
	var b strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		b.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		// Trailing whitespace rides along with the finished sentence.
		for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			i++
			b.WriteRune(runes[i])
		}
		sentences = append(sentences, b.String())
		b.Reset()
	}
	if b.Len() > 0 {
		sentences = append(sentences, b.String())
	}
	return sentences
}
