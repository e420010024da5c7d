package timeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castscribe/castscribe/cmd/internal/engine"
)

// proportional mapping is approximate; timings are asserted to half a second.
const timeTolerance = 0.5

func joined(segs []engine.Segment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteString(s.Text)
	}
	return b.String()
}

// assertGapless checks the anchor-mode contract: output ranges cover
// [anchors[0].Start, anchors[last].End] with no gaps and non-decreasing
// starts.
func assertGapless(t *testing.T, segs []engine.Segment, anchors []Anchor) {
	t.Helper()
	require.NotEmpty(t, segs)
	assert.Equal(t, anchors[0].Start, segs[0].Start)
	assert.Equal(t, anchors[len(anchors)-1].End, segs[len(segs)-1].End)
	for i := 1; i < len(segs); i++ {
		assert.Equal(t, segs[i-1].End, segs[i].Start, "segment %d must start where %d ends", i, i-1)
		assert.GreaterOrEqual(t, segs[i].Start, segs[i-1].Start)
	}
}

func TestSplitSentencesHan(t *testing.T) {
	text := "第一句。第二句说：“引用的话。”第三句！最后没有结尾"
	got := SplitSentences(text, "zh")

	assert.Equal(t, []string{
		"第一句。",
		"第二句说：“引用的话。”",
		"第三句！",
		"最后没有结尾",
	}, got)
	assert.Equal(t, text, strings.Join(got, ""))
}

func TestSplitSentencesLatin(t *testing.T) {
	text := "First sentence. Second one! A version number like 1.5 stays whole. Tail"
	got := SplitSentences(text, "en")

	assert.Equal(t, []string{
		"First sentence. ",
		"Second one! ",
		"A version number like 1.5 stays whole. ",
		"Tail",
	}, got)
	assert.Equal(t, text, strings.Join(got, ""))
}

func TestSplitSentencesAutoDetectsScript(t *testing.T) {
	got := SplitSentences("你好。再见。", "")
	assert.Len(t, got, 2)

	got = SplitSentences("Hello there. Goodbye now.", "")
	assert.Len(t, got, 2)
}

func TestReconcileFewerSentencesThanAnchors(t *testing.T) {
	// 2 sentences over 4 anchors: each claims a contiguous anchor range.
	text := "前面一半的内容在这里。后面一半的内容在这里。"
	anchors := []Anchor{
		{Start: 0, End: 2},
		{Start: 2, End: 5},
		{Start: 5.5, End: 8}, // half-second hole before this anchor
		{Start: 8, End: 10},
	}

	segs := Reconcile(text, anchors, "zh")
	require.Len(t, segs, 2)
	assertGapless(t, segs, anchors)
	assert.Equal(t, text, joined(segs))

	assert.InDelta(t, 0.0, segs[0].Start, timeTolerance)
	assert.InDelta(t, 5.5, segs[1].Start, timeTolerance)
}

func TestReconcileMoreSentencesThanAnchors(t *testing.T) {
	// 4 equal-length sentences over 2 anchors: char-share interpolation
	// gives each a quarter of the span.
	text := "一二三四五。一二三四五。一二三四五。一二三四五。"
	anchors := []Anchor{{Start: 10, End: 14}, {Start: 14, End: 18}}

	segs := Reconcile(text, anchors, "zh")
	require.Len(t, segs, 4)
	assertGapless(t, segs, anchors)
	assert.Equal(t, text, joined(segs))

	assert.InDelta(t, 12.0, segs[0].End, timeTolerance)
	assert.InDelta(t, 14.0, segs[1].End, timeTolerance)
	assert.InDelta(t, 16.0, segs[2].End, timeTolerance)
	assert.Equal(t, 18.0, segs[3].End)
}

func TestReconcileSingleAnchor(t *testing.T) {
	anchors := []Anchor{{Start: 1, End: 3}}
	segs := Reconcile("只有一句话。", anchors, "zh")
	require.Len(t, segs, 1)
	assertGapless(t, segs, anchors)
}

func TestReconcileNoAnchors(t *testing.T) {
	segs := Reconcile("第一句。第二句。", nil, "zh")
	require.Len(t, segs, 2)
	for _, s := range segs {
		assert.Zero(t, s.Start)
		assert.Zero(t, s.End)
	}
	assert.Equal(t, "第一句。第二句。", joined(segs))
}

func TestReconcileEmptyText(t *testing.T) {
	assert.Nil(t, Reconcile("", []Anchor{{Start: 0, End: 1}}, "zh"))
}

func TestMergeSegmentsAccumulatesToSentenceLength(t *testing.T) {
	// The refined first sentence corresponds to the first two original
	// segments; merging cuts after them because the buffer reaches ~92% of
	// the sentence length.
	sentences := []string{"今天我们开了一个会。", "然后讨论了进度。"}
	segs := []engine.Segment{
		{Start: 0, End: 2, Text: "今天我们", Speaker: "A"},
		{Start: 2, End: 4.5, Text: "开了一个会", Speaker: "A"},
		{Start: 4.5, End: 7, Text: "然后讨论了进度", Speaker: "B"},
	}

	out := MergeSegments(sentences, segs)
	require.Len(t, out, 2)

	assert.Equal(t, 0.0, out[0].Start)
	assert.Equal(t, 4.5, out[0].End)
	assert.Equal(t, "A", out[0].Speaker)

	assert.Equal(t, 4.5, out[1].Start)
	assert.Equal(t, 7.0, out[1].End)
	assert.Equal(t, "B", out[1].Speaker)

	assert.Equal(t, strings.Join(sentences, ""), joined(out))
}

func TestMergeSegmentsPluralitySpeaker(t *testing.T) {
	sentences := []string{"一段由两个人说完的很长的话在这里结束。"}
	segs := []engine.Segment{
		{Start: 0, End: 1, Text: "一段由", Speaker: "B"},
		{Start: 1, End: 2, Text: "两个人说完的", Speaker: "A"},
		{Start: 2, End: 3, Text: "很长的话", Speaker: "A"},
		{Start: 3, End: 4, Text: "在这里结束", Speaker: "A"},
	}

	out := MergeSegments(sentences, segs)
	require.Len(t, out, 1)
	assert.Equal(t, "A", out[0].Speaker)
	assert.Equal(t, 0.0, out[0].Start)
	assert.Equal(t, 4.0, out[0].End)
}

func TestMergeSegmentsLeftoverSentences(t *testing.T) {
	sentences := []string{"有时间戳的一句。", "多出来的一句。", "再多出来的一句。"}
	segs := []engine.Segment{
		{Start: 0, End: 3, Text: "有时间戳的一句"},
	}

	out := MergeSegments(sentences, segs)
	require.Len(t, out, 3)

	for _, leftover := range out[1:] {
		assert.Equal(t, 3.0, leftover.Start)
		assert.Equal(t, 3.0, leftover.End, "leftovers are zero-length at the last end")
	}
}

func TestMergeSegmentsMinimumDuration(t *testing.T) {
	sentences := []string{"一句话。"}
	segs := []engine.Segment{
		{Start: 5, End: 5, Text: "一句话"}, // degenerate original window
	}

	out := MergeSegments(sentences, segs)
	require.Len(t, out, 1)
	assert.Equal(t, 5.0, out[0].Start)
	assert.InDelta(t, 5.01, out[0].End, 1e-9)
}

func TestMergeSegmentsNoSegments(t *testing.T) {
	out := MergeSegments([]string{"一句。", "两句。"}, nil)
	require.Len(t, out, 2)
	for _, s := range out {
		assert.Zero(t, s.Start)
		assert.Zero(t, s.End)
	}
}
