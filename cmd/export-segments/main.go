// export-segments converts a transcription result JSON into subtitle or text
// output, optionally re-timing it against a refined transcript first.
//
// Usage:
//
//	export-segments -result-file result.json [-refined-file refined.txt] [-language zh] [-format text|json|srt|vtt]
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/castscribe/castscribe/cmd/internal/engine"
	"github.com/castscribe/castscribe/cmd/internal/timeline"
)

// WriteSegmentText writes segment in text format: "[HH:MM:SS.mmm --> HH:MM:SS.mmm] [Speaker] Text"
func WriteSegmentText(w io.Writer, s engine.Segment) {
	speaker := ""
	if s.Speaker != "" {
		speaker = fmt.Sprintf(" [%s]", s.Speaker)
	}
	fmt.Fprintf(w, "[%s --> %s]%s %s", formatTimestamp(s.Start), formatTimestamp(s.End), speaker, strings.TrimSpace(s.Text))
}

// WriteSegmentSrt writes segment in SRT format
func WriteSegmentSrt(w io.Writer, s engine.Segment) {
	fmt.Fprintf(w, "%d\n", s.ID+1)
	fmt.Fprintf(w, "%s --> %s\n", formatTimestampSrt(s.Start), formatTimestampSrt(s.End))
	fmt.Fprintf(w, "%s\n", strings.TrimSpace(s.Text))
}

// WriteSegmentVtt writes segment in WebVTT format
func WriteSegmentVtt(w io.Writer, s engine.Segment) {
	fmt.Fprintf(w, "%s --> %s\n", formatTimestamp(s.Start), formatTimestamp(s.End))
	fmt.Fprintf(w, "%s\n", strings.TrimSpace(s.Text))
}

// formatTimestamp formats seconds as HH:MM:SS.mmm
func formatTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// formatTimestampSrt formats as HH:MM:SS,mmm (SRT uses comma)
func formatTimestampSrt(seconds float64) string {
	return strings.Replace(formatTimestamp(seconds), ".", ",", 1)
}

func main() {
	var resultFile string
	var refinedFile string
	var language string
	var format string
	var merge bool
	flag.Usage = func() {
		exe := filepath.Base(os.Args[0])
		fmt.Fprintf(os.Stderr, "Usage: %s -result-file <result.json> [-refined-file refined.txt] [-language zh] [-format text|json|srt|vtt] [-merge]\n\n", exe)
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
	}
	flag.StringVar(&resultFile, "result-file", "", "Path to transcription result JSON")
	flag.StringVar(&refinedFile, "refined-file", "", "Path to refined transcript text; segments are re-timed against it")
	flag.StringVar(&language, "language", "", "Language code for sentence splitting (default: from result)")
	flag.StringVar(&format, "format", "text", "Output format: json|text|srt|vtt")
	flag.BoolVar(&merge, "merge", false, "Merge fine-grained segments into sentence-level cues by text fill instead of anchor interpolation")
	flag.Parse()

	if resultFile == "" {
		flag.Usage()
		os.Exit(2)
	}
	if !validFormat(format) {
		fmt.Fprintln(os.Stderr, "invalid -format:", format)
		flag.Usage()
		os.Exit(2)
	}

	data, err := os.ReadFile(resultFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read result:", err)
		os.Exit(1)
	}
	var result engine.Result
	if err := json.Unmarshal(data, &result); err != nil {
		fmt.Fprintln(os.Stderr, "parse result:", err)
		os.Exit(1)
	}
	if language == "" {
		language = result.Language
	}

	text := result.Text
	if refinedFile != "" {
		refined, err := os.ReadFile(refinedFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read refined text:", err)
			os.Exit(1)
		}
		text = strings.TrimSpace(string(refined))
	}
	segs := retime(result.Segments, text, language, refinedFile != "", merge)

	if len(segs) == 0 {
		fmt.Fprintln(os.Stderr, "no segments to export")
	}

	for i, segment := range segs {
		var out bytes.Buffer
		switch format {
		case "json":
			enc, err := json.Marshal(segment)
			if err != nil {
				fmt.Fprintln(os.Stderr, "encode segment:", err)
				os.Exit(1)
			}
			fmt.Println(string(enc))
		case "srt":
			WriteSegmentSrt(&out, segment)
			fmt.Println(out.String())
		case "vtt":
			if i == 0 {
				fmt.Println("WEBVTT")
				fmt.Println()
			}
			WriteSegmentVtt(&out, segment)
			fmt.Println(out.String())
		case "text":
			fallthrough
		default:
			WriteSegmentText(&out, segment)
			fmt.Println(out.String())
		}
	}
}

// retime picks the re-timing mode. merge builds sentence-level cues by text
// fill, which suits word- or phrase-level engine segments; a refined
// transcript without merge is re-timed by anchor interpolation; otherwise the
// original segments pass through.
func retime(segs []engine.Segment, text, language string, refined, merge bool) []engine.Segment {
	switch {
	case merge:
		return timeline.MergeSegments(timeline.SplitSentences(text, language), segs)
	case refined:
		anchors := make([]timeline.Anchor, 0, len(segs))
		for _, s := range segs {
			anchors = append(anchors, timeline.Anchor{Start: s.Start, End: s.End})
		}
		return timeline.Reconcile(text, anchors, language)
	default:
		return segs
	}
}

func validFormat(f string) bool {
	switch f {
	case "json", "text", "srt", "vtt":
		return true
	default:
		return false
	}
}
