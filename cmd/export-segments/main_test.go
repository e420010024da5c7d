package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castscribe/castscribe/cmd/internal/engine"
)

func phraseSegments() []engine.Segment {
	return []engine.Segment{
		{ID: 0, Start: 0, End: 1, Text: "今天"},
		{ID: 1, Start: 1, End: 2, Text: "开会"},
		{ID: 2, Start: 2, End: 3, Text: "讨论"},
		{ID: 3, Start: 3, End: 4, Text: "明天"},
		{ID: 4, Start: 4, End: 5, Text: "放假"},
	}
}

func TestRetimeMergeBuildsSentenceCues(t *testing.T) {
	segs := retime(phraseSegments(), "今天开会讨论。明天放假。", "zh", false, true)
	require.Len(t, segs, 2)

	assert.Equal(t, "今天开会讨论。", segs[0].Text)
	assert.Equal(t, "明天放假。", segs[1].Text)
	assert.Equal(t, 0.0, segs[0].Start)
	assert.Equal(t, segs[0].End, segs[1].Start)
	assert.Equal(t, 5.0, segs[1].End, "the last sentence absorbs the remaining segments")
}

func TestRetimeRefinedUsesAnchorInterpolation(t *testing.T) {
	segs := retime(phraseSegments(), "今天开会讨论。明天放假。", "zh", true, false)
	require.Len(t, segs, 2)
	assert.Equal(t, 0.0, segs[0].Start)
	assert.Equal(t, 5.0, segs[1].End)
}

func TestRetimePassthrough(t *testing.T) {
	in := phraseSegments()
	assert.Equal(t, in, retime(in, "ignored", "zh", false, false))
}

func TestFormatTimestamp(t *testing.T) {
	assert.Equal(t, "01:02:03.500", formatTimestamp(3723.5))
	assert.Equal(t, "01:02:03,500", formatTimestampSrt(3723.5))
}
