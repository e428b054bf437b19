package models

import (
	"time"

	"github.com/pkg/errors"
)

// Agent section names. They are the keys of MergedResult.Sections.
const (
	ActionsSection   = "actions"
	SentimentSection = "sentiment"
	ContextSection   = "context"
)

// AgentOutput is the closed set of structured agent results:
// *ActionReport, *SentimentReport and *ContextReport.
type AgentOutput interface {
	Section() string
	Validate() error
}

type SectionStatus string

const (
	SectionOK      SectionStatus = "ok"
	SectionAbsent  SectionStatus = "absent"
	SectionSkipped SectionStatus = "skipped"
)

// SectionInfo tells consumers whether an agent section is usable.
type SectionInfo struct {
	Agent  string        `json:"agent"`
	Status SectionStatus `json:"status"`
	Error  *TaskError    `json:"error,omitempty"`
}

type ActionItem struct {
	Assignee string `json:"assignee"`
	Task     string `json:"task"`
	Deadline string `json:"deadline,omitempty"`
	Priority string `json:"priority,omitempty"`
	Context  string `json:"context,omitempty"`
}

type Decision struct {
	Decision      string `json:"decision"`
	DecisionMaker string `json:"decision_maker,omitempty"`
	Rationale     string `json:"rationale,omitempty"`
	Impact        string `json:"impact,omitempty"`
}

type FollowUp struct {
	Topic           string `json:"topic"`
	Reason          string `json:"reason,omitempty"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}

type Commitment struct {
	Person     string `json:"person"`
	Commitment string `json:"commitment"`
	Timeline   string `json:"timeline,omitempty"`
}

// ActionReport is produced by the action agent.
type ActionReport struct {
	ActionItems []ActionItem `json:"action_items"`
	Decisions   []Decision   `json:"decisions"`
	FollowUps   []FollowUp   `json:"follow_ups"`
	Commitments []Commitment `json:"commitments"`
}

func (r *ActionReport) Section() string { return ActionsSection }

func (r *ActionReport) Validate() error {
	if r.ActionItems == nil {
		return errors.New("missing required field action_items")
	}
	if r.Decisions == nil {
		return errors.New("missing required field decisions")
	}
	for i, item := range r.ActionItems {
		if item.Task == "" {
			return errors.Errorf("action_items[%d]: missing task", i)
		}
		switch item.Priority {
		case "", "high", "medium", "low":
		default:
			return errors.Errorf("action_items[%d]: unknown priority %q", i, item.Priority)
		}
	}
	for i, d := range r.Decisions {
		if d.Decision == "" {
			return errors.Errorf("decisions[%d]: missing decision", i)
		}
	}
	return nil
}

type OverallSentiment struct {
	Mood        string `json:"mood"`
	Tone        string `json:"tone,omitempty"`
	Description string `json:"description,omitempty"`
}

type SpeakerSentiment struct {
	Speaker            string   `json:"speaker"`
	DominantEmotion    string   `json:"dominant_emotion,omitempty"`
	Sentiment          string   `json:"sentiment"`
	EngagementLevel    string   `json:"engagement_level,omitempty"`
	KeyMoments         []string `json:"key_moments,omitempty"`
	CommunicationStyle string   `json:"communication_style,omitempty"`
}

type EmotionalShift struct {
	Timestamp   string `json:"timestamp"`
	FromEmotion string `json:"from_emotion"`
	ToEmotion   string `json:"to_emotion"`
	Trigger     string `json:"trigger,omitempty"`
	Impact      string `json:"impact,omitempty"`
}

type MeetingDynamics struct {
	CollaborationScore     float64  `json:"collaboration_score"`
	TensionLevel           float64  `json:"tension_level"`
	ProductivityIndicators []string `json:"productivity_indicators,omitempty"`
	RedFlags               []string `json:"red_flags,omitempty"`
}

// SentimentReport is produced by the sentiment agent.
type SentimentReport struct {
	OverallSentiment  *OverallSentiment  `json:"overall_sentiment"`
	SpeakerSentiments []SpeakerSentiment `json:"speaker_sentiments"`
	EmotionalShifts   []EmotionalShift   `json:"emotional_shifts"`
	MeetingDynamics   MeetingDynamics    `json:"meeting_dynamics"`
}

func (r *SentimentReport) Section() string { return SentimentSection }

func (r *SentimentReport) Validate() error {
	if r.OverallSentiment == nil || r.OverallSentiment.Mood == "" {
		return errors.New("missing required field overall_sentiment.mood")
	}
	if r.SpeakerSentiments == nil {
		return errors.New("missing required field speaker_sentiments")
	}
	for i, s := range r.SpeakerSentiments {
		if s.Speaker == "" {
			return errors.Errorf("speaker_sentiments[%d]: missing speaker", i)
		}
	}
	d := r.MeetingDynamics
	if d.CollaborationScore < 0 || d.CollaborationScore > 10 || d.TensionLevel < 0 || d.TensionLevel > 10 {
		return errors.New("meeting_dynamics scores must be within 0-10")
	}
	return nil
}

type ContextualReference struct {
	Topic            string `json:"topic"`
	CurrentMention   string `json:"current_mention,omitempty"`
	PreviousContext  string `json:"previous_context,omitempty"`
	ContinuityStatus string `json:"continuity_status,omitempty"`
}

type ActionFollowUp struct {
	PreviousAction string `json:"previous_action"`
	CurrentStatus  string `json:"current_status"`
	Details        string `json:"details,omitempty"`
}

type RecurringTheme struct {
	Theme     string `json:"theme"`
	Frequency string `json:"frequency,omitempty"`
	Evolution string `json:"evolution,omitempty"`
}

type MissingFollowUp struct {
	Item           string `json:"item"`
	LastMentioned  string `json:"last_mentioned,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

type OrganizationalInsights struct {
	Patterns           []string `json:"patterns,omitempty"`
	Concerns           []string `json:"concerns,omitempty"`
	ProgressIndicators []string `json:"progress_indicators,omitempty"`
}

// ContextReport is produced by the context agent. References lists the
// prior segments that were offered to the model.
type ContextReport struct {
	ContextualReferences   []ContextualReference  `json:"contextual_references"`
	ActionItemFollowUps    []ActionFollowUp       `json:"action_item_followups"`
	RecurringThemes        []RecurringTheme       `json:"recurring_themes"`
	MissingFollowUps       []MissingFollowUp      `json:"missing_followups"`
	OrganizationalInsights OrganizationalInsights `json:"organizational_insights"`
	References             []ScoredSegment        `json:"references"`
}

func (r *ContextReport) Section() string { return ContextSection }

func (r *ContextReport) Validate() error {
	if r.ContextualReferences == nil {
		return errors.New("missing required field contextual_references")
	}
	if r.RecurringThemes == nil {
		return errors.New("missing required field recurring_themes")
	}
	for i, ref := range r.ContextualReferences {
		if ref.Topic == "" {
			return errors.Errorf("contextual_references[%d]: missing topic", i)
		}
	}
	for i, th := range r.RecurringThemes {
		if th.Theme == "" {
			return errors.Errorf("recurring_themes[%d]: missing theme", i)
		}
	}
	return nil
}

type DiarizationStats struct {
	NumSegments  int                `json:"num_segments"`
	NumSpeakers  int                `json:"num_speakers"`
	SpeakerTimes map[string]float64 `json:"speaker_times"`
}

type ExecutiveSummary struct {
	Participants  []string     `json:"participants"`
	KeyHighlights []string     `json:"key_highlights"`
	TopActions    []ActionItem `json:"top_actions,omitempty"`
	TopDecisions  []Decision   `json:"top_decisions,omitempty"`
	OverallMood   string       `json:"overall_mood,omitempty"`
	OverallTone   string       `json:"overall_tone,omitempty"`
}

// MergedResult is the only artifact cached or returned to callers. It must
// not be modified after construction.
type MergedResult struct {
	MeetingID        string              `json:"meeting_id"`
	Fingerprint      string              `json:"fingerprint"`
	Duration         float64             `json:"duration"`
	Language         string              `json:"language"`
	Speakers         []string            `json:"speakers"`
	FullTranscript   string              `json:"full_transcript"`
	Segments         []TranscriptSegment `json:"segments"`
	DiarizationStats DiarizationStats    `json:"diarization_stats"`
	Actions          *ActionReport       `json:"actions,omitempty"`
	Sentiment        *SentimentReport    `json:"sentiment,omitempty"`
	Context          *ContextReport      `json:"context,omitempty"`
	Sections         []SectionInfo       `json:"sections"`
	ExecutiveSummary ExecutiveSummary    `json:"executive_summary"`
	GeneratedAt      time.Time           `json:"generated_at"`
}

// SectionStatus returns the status recorded for the named agent section.
func (r *MergedResult) SectionStatus(agent string) SectionStatus {
	for _, s := range r.Sections {
		if s.Agent == agent {
			return s.Status
		}
	}
	return SectionSkipped
}

// CacheEntry is the persisted form of a cached result.
type CacheEntry struct {
	Fingerprint string        `json:"fingerprint"`
	Result      *MergedResult `json:"result"`
	CreatedAt   time.Time     `json:"created_at"`
}
