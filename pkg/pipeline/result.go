package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/ignatij/meetflow/pkg/models"
)

const (
	topActions   = 5
	topDecisions = 3
)

var priorityRank = map[string]int{"high": 0, "medium": 1, "": 2, "low": 3}

// BuildResult assembles the immutable MergedResult from a finished work item.
func BuildResult(item *WorkItem, now time.Time) *models.MergedResult {
	res := &models.MergedResult{
		MeetingID:      item.TaskID,
		Fingerprint:    item.Input.Fingerprint,
		Language:       item.Language,
		Speakers:       append([]string{}, item.Speakers...),
		FullTranscript: item.FullText,
		Segments:       append([]models.TranscriptSegment{}, item.Segments...),
		Sections:       append([]models.SectionInfo{}, item.Sections...),
		GeneratedAt:    now,
	}
	if item.Audio != nil {
		res.Duration = item.Audio.Duration
	}

	times := make(map[string]float64)
	for _, turn := range item.Turns {
		times[turn.Speaker] += turn.End - turn.Start
	}
	res.DiarizationStats = models.DiarizationStats{
		NumSegments:  len(item.Turns),
		NumSpeakers:  len(times),
		SpeakerTimes: times,
	}

	if out, ok := item.Outputs[models.ActionsSection].(*models.ActionReport); ok {
		res.Actions = out
	}
	if out, ok := item.Outputs[models.SentimentSection].(*models.SentimentReport); ok {
		res.Sentiment = out
	}
	if out, ok := item.Outputs[models.ContextSection].(*models.ContextReport); ok {
		res.Context = out
	}
	res.ExecutiveSummary = summarize(res)
	return res
}

func summarize(res *models.MergedResult) models.ExecutiveSummary {
	sum := models.ExecutiveSummary{
		Participants:  append([]string{}, res.Speakers...),
		KeyHighlights: []string{},
	}
	minutes := res.Duration / 60
	sum.KeyHighlights = append(sum.KeyHighlights,
		fmt.Sprintf("%.1f minute meeting with %d participant(s)", minutes, len(res.Speakers)))

	if a := res.Actions; a != nil {
		actions := append([]models.ActionItem{}, a.ActionItems...)
		sort.SliceStable(actions, func(i, j int) bool {
			return priorityRank[actions[i].Priority] < priorityRank[actions[j].Priority]
		})
		if len(actions) > topActions {
			actions = actions[:topActions]
		}
		sum.TopActions = actions

		decisions := a.Decisions
		if len(decisions) > topDecisions {
			decisions = decisions[:topDecisions]
		}
		sum.TopDecisions = append([]models.Decision{}, decisions...)

		sum.KeyHighlights = append(sum.KeyHighlights,
			fmt.Sprintf("%d action item(s) identified", len(a.ActionItems)),
			fmt.Sprintf("%d decision(s) made", len(a.Decisions)))
	}
	if s := res.Sentiment; s != nil && s.OverallSentiment != nil {
		sum.OverallMood = s.OverallSentiment.Mood
		sum.OverallTone = s.OverallSentiment.Tone
		sum.KeyHighlights = append(sum.KeyHighlights, "Overall mood: "+s.OverallSentiment.Mood)
	}
	if c := res.Context; c != nil && len(c.RecurringThemes) > 0 {
		sum.KeyHighlights = append(sum.KeyHighlights,
			fmt.Sprintf("%d recurring theme(s) from previous meetings", len(c.RecurringThemes)))
	}
	return sum
}
