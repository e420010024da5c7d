package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVideoShapes(t *testing.T) {
	const id = "dQw4w9WgXcQ"

	tests := []struct {
		name string
		raw  string
	}{
		{"bare id", id},
		{"watch url", "https://www.youtube.com/watch?v=" + id},
		{"watch url with extras", "https://youtube.com/watch?v=" + id + "&t=42s&list=PL123"},
		{"short link", "https://youtu.be/" + id},
		{"short link with query", "https://youtu.be/" + id + "?si=abc"},
		{"embed", "https://www.youtube.com/embed/" + id},
		{"shorts", "https://www.youtube.com/shorts/" + id},
		{"live", "https://www.youtube.com/live/" + id},
		{"mobile host", "https://m.youtube.com/watch?v=" + id},
		{"music host", "https://music.youtube.com/watch?v=" + id},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := Normalize(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, KindVideo, src.Kind)
			assert.Equal(t, id, src.ID)
		})
	}
}

func TestNormalizeDirectURL(t *testing.T) {
	raw := "https://cdn.example.com/episodes/42.mp3"
	src, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, KindDirectURL, src.Kind)
	assert.Equal(t, raw, src.ID)
	assert.Equal(t, raw, src.URL)
}

func TestNormalizeFilePath(t *testing.T) {
	src, err := Normalize("/tmp/upload/interview.m4a")
	require.NoError(t, err)
	assert.Equal(t, KindFile, src.Kind)
	assert.Equal(t, "/tmp/upload/interview.m4a", src.ID)
}

func TestNormalizeRejects(t *testing.T) {
	for _, raw := range []string{"", "   ", "not-an-id", "short"} {
		_, err := Normalize(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}
