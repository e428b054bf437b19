package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/pipeline"
	"github.com/ignatij/meetflow/pkg/retriever"
)

// Request is what an agent sends to the backend. References are the prior
// segments that were put into the prompt.
type Request struct {
	Prompt     string
	Schema     string
	References []models.ScoredSegment
}

// Agent is one analysis over a merged work item. Prompt must be a pure
// function of the item and the retrieved context.
type Agent interface {
	Name() string
	Prompt(ctx context.Context, item *pipeline.WorkItem) (Request, error)
	Decode(req Request, raw string) (models.AgentOutput, error)
}

const actionSchema = `{
  "action_items": [{"assignee": "speaker id or UNKNOWN", "task": "what must be done", "deadline": "mentioned deadline or empty", "priority": "high|medium|low", "context": "why it came up"}],
  "decisions": [{"decision": "what was decided", "decision_maker": "speaker id", "rationale": "why", "impact": "expected impact"}],
  "follow_ups": [{"topic": "open topic", "reason": "why it needs follow-up", "suggested_action": "next step"}],
  "commitments": [{"person": "speaker id", "commitment": "what they committed to", "timeline": "when"}]
}`

const sentimentSchema = `{
  "overall_sentiment": {"mood": "positive|neutral|negative|mixed", "tone": "formal|casual|tense|collaborative", "description": "one sentence"},
  "speaker_sentiments": [{"speaker": "speaker id", "dominant_emotion": "label", "sentiment": "positive|neutral|negative", "engagement_level": "high|medium|low", "key_moments": ["moment"], "communication_style": "style"}],
  "emotional_shifts": [{"timestamp": "mm:ss", "from_emotion": "label", "to_emotion": "label", "trigger": "cause", "impact": "effect"}],
  "meeting_dynamics": {"collaboration_score": 0, "tension_level": 0, "productivity_indicators": ["indicator"], "red_flags": ["concern"]}
}`

const contextSchema = `{
  "contextual_references": [{"topic": "referenced topic", "current_mention": "how it is mentioned now", "previous_context": "what earlier meetings said", "continuity_status": "follow-up|new|recurring|resolved"}],
  "action_item_followups": [{"previous_action": "earlier action", "current_status": "mentioned|completed|pending|not_mentioned", "details": "updates"}],
  "recurring_themes": [{"theme": "theme", "frequency": "how often", "evolution": "how it changed"}],
  "missing_followups": [{"item": "item", "last_mentioned": "when", "recommendation": "suggested action"}],
  "organizational_insights": {"patterns": ["pattern"], "concerns": ["concern"], "progress_indicators": ["indicator"]}
}`

const replyRules = "Respond with a single JSON object matching the schema below and nothing else. Use empty lists when nothing applies.\n"

type ActionAgent struct{}

func (ActionAgent) Name() string { return models.ActionsSection }

func (ActionAgent) Prompt(ctx context.Context, item *pipeline.WorkItem) (Request, error) {
	var b strings.Builder
	b.WriteString("You analyze meeting transcripts and extract action items, decisions, follow-ups and commitments.\n")
	b.WriteString("Attribute each item to the speaker who owns it. Only report what was actually said.\n\n")
	fmt.Fprintf(&b, "Speakers: %s\n\nTranscript:\n%s\n", strings.Join(item.Speakers, ", "), renderTranscript(item, false))
	b.WriteString(replyRules)
	b.WriteString(actionSchema)
	return Request{Prompt: b.String(), Schema: actionSchema}, nil
}

func (ActionAgent) Decode(req Request, raw string) (models.AgentOutput, error) {
	out := &models.ActionReport{}
	if err := decodeOutput(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

type SentimentAgent struct{}

func (SentimentAgent) Name() string { return models.SentimentSection }

func (SentimentAgent) Prompt(ctx context.Context, item *pipeline.WorkItem) (Request, error) {
	var b strings.Builder
	b.WriteString("You analyze the emotional dynamics of a meeting: overall mood, each speaker's sentiment and engagement, shifts in tone and team dynamics.\n")
	b.WriteString("Scores are on a 0-10 scale.\n\n")
	fmt.Fprintf(&b, "Emotion labels per speaker:\n%s\nTranscript:\n%s\n", emotionSummary(item), renderTranscript(item, true))
	b.WriteString(replyRules)
	b.WriteString(sentimentSchema)
	return Request{Prompt: b.String(), Schema: sentimentSchema}, nil
}

func (SentimentAgent) Decode(req Request, raw string) (models.AgentOutput, error) {
	out := &models.SentimentReport{}
	if err := decodeOutput(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ContextAgent relates the meeting to earlier ones found by the retriever.
// Retrieval failures leave the prompt without history.
type ContextAgent struct {
	Retriever *retriever.Retriever
	TopK      int
	MinScore  float64
	// QuerySegments is how many leading segments form the retrieval query.
	QuerySegments int
	// Timeout bounds the retrieval; zero means DefaultRetrievalTimeout.
	Timeout time.Duration
	Logger  Logger
}

func (ContextAgent) Name() string { return models.ContextSection }

func (a ContextAgent) Prompt(ctx context.Context, item *pipeline.WorkItem) (Request, error) {
	query := a.query(item)
	refs := a.references(ctx, item.TaskID, query)

	var b strings.Builder
	b.WriteString("You relate a meeting to earlier meetings of the same organization: references to past topics, follow-ups on earlier action items, recurring themes and items nobody followed up on.\n\n")
	fmt.Fprintf(&b, "Current meeting:\n%s\nRelevant context from previous meetings:\n%s\n", query, renderReferences(refs))
	b.WriteString(replyRules)
	b.WriteString(contextSchema)
	return Request{Prompt: b.String(), Schema: contextSchema, References: refs}, nil
}

func (a ContextAgent) Decode(req Request, raw string) (models.AgentOutput, error) {
	out := &models.ContextReport{}
	if err := decodeOutput(raw, out); err != nil {
		return nil, err
	}
	out.References = append([]models.ScoredSegment{}, req.References...)
	return out, nil
}

func (a ContextAgent) query(item *pipeline.WorkItem) string {
	n := a.QuerySegments
	if n <= 0 {
		n = 10
	}
	var b strings.Builder
	for i, seg := range item.Segments {
		if i == n {
			break
		}
		fmt.Fprintf(&b, "%s: %s\n", seg.Speaker, seg.Text)
	}
	return b.String()
}

func (a ContextAgent) references(ctx context.Context, taskID, query string) []models.ScoredSegment {
	if a.Retriever == nil {
		return nil
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultRetrievalTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	matches := a.Retriever.FindRelevant(ctx, query, a.TopK, a.MinScore)
	var refs []models.ScoredSegment
	for seg := range matches.All() {
		refs = append(refs, seg)
	}
	if err := matches.Err(); err != nil {
		if a.Logger != nil {
			a.Logger.Errorf("Context retrieval failed for task %s, continuing without history: %v", taskID, err)
		}
		return nil
	}
	return refs
}
