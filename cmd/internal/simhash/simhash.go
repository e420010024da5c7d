// Package simhash fingerprints transcript text so the refinement pipeline
// can detect when a "punctuation-only" rewrite actually changed the content.
package simhash

import (
	"strings"

	"github.com/go-dedup/simhash"
)

// DriftThreshold is the hamming distance above which a refined chunk is
// considered to have drifted from its original content. Punctuation and
// spacing edits stay well below it because features skip punctuation.
const DriftThreshold = 18

// transcriptFeatureSet implements simhash.FeatureSet for transcript text.
// Character-level bigrams work for both Han and Latin scripts and ignore
// punctuation, so boundary restoration does not move the fingerprint.
type transcriptFeatureSet struct {
	text string
}

// GetFeatures extracts sliding-window bigram features, skipping punctuation.
func (t transcriptFeatureSet) GetFeatures() []simhash.Feature {
	text := strings.TrimSpace(t.text)
	if text == "" {
		return []simhash.Feature{}
	}

	features := make([]simhash.Feature, 0)
	runes := []rune(text)

	for i := 0; i < len(runes)-1; i++ {
		r1, r2 := runes[i], runes[i+1]
		if isPunctuation(r1) || isPunctuation(r2) {
			continue
		}
		bigram := string([]rune{r1, r2})
		features = append(features, simhash.NewFeature([]byte(bigram)))
	}

	// Very short text gets single-character features for discrimination.
	if len(runes) < 4 {
		for _, r := range runes {
			if !isPunctuation(r) {
				features = append(features, simhash.NewFeature([]byte(string(r))))
			}
		}
	}

	return features
}

func isPunctuation(r rune) bool {
	return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?' ||
		r == '：' || r == '、' || r == '。' || r == '，' || r == '；' ||
		r == '！' || r == '？' || r == '…' || r == '-' || r == '_' ||
		r == '“' || r == '”' || r == '\'' || r == '"' ||
		r == '（' || r == '）' || r == '(' || r == ')' || r == '\t' || r == '\n'
}

// Fingerprint computes the 64-bit simhash of transcript text.
func Fingerprint(text string) uint64 {
	sh := simhash.NewSimhash()
	return sh.GetSimhash(transcriptFeatureSet{text: text})
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(hash1, hash2 uint64) int {
	x := hash1 ^ hash2
	count := 0
	for x != 0 {
		count++
		x &= x - 1
	}
	return count
}

// Drifted reports whether refined text moved too far from the original to be
// a punctuation/spacing-only edit.
func Drifted(original, refined string) bool {
	if strings.TrimSpace(original) == "" {
		return false
	}
	distance := HammingDistance(Fingerprint(original), Fingerprint(refined))
	return distance > DriftThreshold
}
