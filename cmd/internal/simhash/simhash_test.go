package simhash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPunctuationEditsDoNotDrift(t *testing.T) {
	original := "今天天气很好我们去公园散步然后吃了午饭下午继续开会讨论项目进展"
	refined := "今天天气很好，我们去公园散步。然后吃了午饭，下午继续开会，讨论项目进展。"

	assert.False(t, Drifted(original, refined),
		"punctuation-only edits must stay under the drift threshold")
}

func TestContentRewriteDrifts(t *testing.T) {
	original := "今天天气很好我们去公园散步然后吃了午饭"
	rewritten := "股市今日大幅波动投资者情绪谨慎机构建议观望"

	assert.True(t, Drifted(original, rewritten),
		"a full content rewrite must exceed the drift threshold")
}

func TestIdenticalTextZeroDistance(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog"
	assert.Equal(t, 0, HammingDistance(Fingerprint(text), Fingerprint(text)))
	assert.False(t, Drifted(text, text))
}

func TestEmptyOriginalNeverDrifts(t *testing.T) {
	assert.False(t, Drifted("", "anything at all"))
	assert.False(t, Drifted("   ", "anything at all"))
}

func TestHammingDistance(t *testing.T) {
	assert.Equal(t, 0, HammingDistance(0, 0))
	assert.Equal(t, 1, HammingDistance(0, 1))
	assert.Equal(t, 64, HammingDistance(0, ^uint64(0)))
}
