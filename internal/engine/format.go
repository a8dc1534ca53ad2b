package engine

import (
	"fmt"
	"strings"
)

// renderTranscript serializes a transcript into one text-based format.
func renderTranscript(t Transcript, format string) string {
	switch format {
	case "srt":
		return renderSRT(t)
	case "vtt":
		return renderVTT(t)
	default:
		return renderTxt(t)
	}
}

// renderTxt returns the plain transcript text with a trailing newline.
func renderTxt(t Transcript) string {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return ""
	}
	return text + "\n"
}

// renderSRT formats segments as SubRip cues with comma millisecond separators.
func renderSRT(t Transcript) string {
	var b strings.Builder
	for i, seg := range t.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatTimestamp(seg.Start, ","), formatTimestamp(seg.End, ","))
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n\n")
	}
	return b.String()
}

// renderVTT formats segments as WebVTT cues with a required header.
func renderVTT(t Transcript) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "%s --> %s\n", formatTimestamp(seg.Start, "."), formatTimestamp(seg.End, "."))
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n\n")
	}
	return b.String()
}

// formatTimestamp renders seconds as HH:MM:SS with millisecond precision.
func formatTimestamp(seconds float64, msSep string) string {
	if seconds < 0 {
		seconds = 0
	}
	millis := int64(seconds*1000 + 0.5)
	h := millis / 3600000
	m := (millis % 3600000) / 60000
	s := (millis % 60000) / 1000
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, msSep, ms)
}
