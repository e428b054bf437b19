package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/pipeline"
)

// maxTranscriptChars bounds the transcript embedded in a prompt.
const maxTranscriptChars = 24000

func clock(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

// renderTranscript prints one line per segment, oldest first.
func renderTranscript(item *pipeline.WorkItem, withEmotion bool) string {
	var b strings.Builder
	for _, seg := range item.Segments {
		line := fmt.Sprintf("[%s] %s", clock(seg.Start), seg.Speaker)
		if withEmotion && seg.Emotion != "" {
			line += fmt.Sprintf(" (%s)", seg.Emotion)
		}
		line += ": " + seg.Text + "\n"
		if b.Len()+len(line) > maxTranscriptChars {
			b.WriteString("[transcript truncated]\n")
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

func emotionSummary(item *pipeline.WorkItem) string {
	counts := make(map[string]map[string]int)
	for _, seg := range item.Segments {
		if seg.Emotion == "" {
			continue
		}
		if counts[seg.Speaker] == nil {
			counts[seg.Speaker] = make(map[string]int)
		}
		counts[seg.Speaker][seg.Emotion]++
	}
	if len(counts) == 0 {
		return "No emotion data available."
	}
	speakers := make([]string, 0, len(counts))
	for s := range counts {
		speakers = append(speakers, s)
	}
	sort.Strings(speakers)

	var b strings.Builder
	for _, s := range speakers {
		labels := make([]string, 0, len(counts[s]))
		for l := range counts[s] {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		parts := make([]string, len(labels))
		for i, l := range labels {
			parts[i] = fmt.Sprintf("%s=%d", l, counts[s][l])
		}
		fmt.Fprintf(&b, "%s: %s\n", s, strings.Join(parts, ", "))
	}
	return b.String()
}

func renderReferences(refs []models.ScoredSegment) string {
	if len(refs) == 0 {
		return "No previous meeting context available."
	}
	var b strings.Builder
	for i, ref := range refs {
		fmt.Fprintf(&b, "--- Previous meeting %d (%s, score %.2f) ---\n%s: %s\n",
			i+1, ref.MeetingID, ref.Score, ref.Speaker, ref.Text)
	}
	return b.String()
}
