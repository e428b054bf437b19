package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/meetflow/pkg/models"
)

// Replies that pass validation for each agent.
const (
	ActionsReply = "```json\n" + `{
  "action_items": [
    {"assignee": "SPEAKER_00", "task": "Send the budget draft", "deadline": "Friday", "priority": "high"},
    {"assignee": "SPEAKER_01", "task": "Book the venue", "priority": "low"}
  ],
  "decisions": [{"decision": "Ship the beta in March", "decision_maker": "SPEAKER_00"}],
  "follow_ups": [{"topic": "Hiring plan", "reason": "Not discussed"}],
  "commitments": []
}` + "\n```"

	SentimentReply = `Here is the analysis: {
  "overall_sentiment": {"mood": "positive", "tone": "collaborative", "description": "Focused planning"},
  "speaker_sentiments": [{"speaker": "SPEAKER_00", "sentiment": "positive", "dominant_emotion": "happy"}],
  "emotional_shifts": [],
  "meeting_dynamics": {"collaboration_score": 8, "tension_level": 2}
}`

	ContextReply = `{
  "contextual_references": [{"topic": "Budget", "previous_context": "Raised last quarter", "continuity_status": "continuing"}],
  "action_item_followups": [],
  "recurring_themes": [{"theme": "Budget pressure", "frequency": "weekly"}],
  "missing_followups": [],
  "organizational_insights": {"patterns": ["Decisions get deferred"]}
}`
)

// AgentOf guesses which agent a request belongs to from its schema hint.
func AgentOf(schema string) string {
	switch {
	case strings.Contains(schema, "action_items"):
		return models.ActionsSection
	case strings.Contains(schema, "overall_sentiment"):
		return models.SentimentSection
	case strings.Contains(schema, "contextual_references"):
		return models.ContextSection
	}
	return ""
}

// WriteAudio writes content to a temporary .wav file and returns its path.
func WriteAudio(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meeting.wav")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

// MeetingTurns is a two-speaker diarization of a 30 second meeting.
func MeetingTurns() []models.SpeakerSegment {
	return []models.SpeakerSegment{
		{Start: 0, End: 12, Speaker: "SPEAKER_00"},
		{Start: 12, End: 22, Speaker: "SPEAKER_01"},
		{Start: 22, End: 30, Speaker: "SPEAKER_00"},
	}
}

// MeetingTranscript matches MeetingTurns.
func MeetingTranscript() *models.Transcription {
	return &models.Transcription{
		Language: "en",
		Segments: []models.TranscriptSegment{
			{Start: 0.5, End: 11, Text: "Let's go over the budget for the beta."},
			{Start: 12.2, End: 21.5, Text: "I can book the venue next week."},
			{Start: 22.1, End: 29.8, Text: "Great, we ship the beta in March."},
		},
	}
}

// gate blocks until released or ctx ends. A nil gate never blocks.
func gate(ctx context.Context, g chan struct{}) error {
	if g == nil {
		return nil
	}
	select {
	case <-g:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Loader struct {
	Duration float64
	Err      error
	calls    atomic.Int32
}

func (l *Loader) LoadAndValidate(ctx context.Context, path string) (*models.Audio, error) {
	l.calls.Add(1)
	if l.Err != nil {
		return nil, l.Err
	}
	d := l.Duration
	if d == 0 {
		d = 30
	}
	return &models.Audio{Path: path, Format: "wav", Duration: d, SampleRate: 16000, Channels: 1}, nil
}

func (l *Loader) Calls() int { return int(l.calls.Load()) }

type Diarizer struct {
	Turns []models.SpeakerSegment
	Err   error
	// Gate, when set, holds every call until it is closed.
	Gate  chan struct{}
	calls atomic.Int32
}

func (d *Diarizer) Diarize(ctx context.Context, audio *models.Audio, numSpeakers int) ([]models.SpeakerSegment, error) {
	d.calls.Add(1)
	if err := gate(ctx, d.Gate); err != nil {
		return nil, err
	}
	if d.Err != nil {
		return nil, d.Err
	}
	if d.Turns == nil {
		return MeetingTurns(), nil
	}
	return append([]models.SpeakerSegment(nil), d.Turns...), nil
}

func (d *Diarizer) Calls() int { return int(d.calls.Load()) }

type Transcriber struct {
	Result *models.Transcription
	Err    error
	calls  atomic.Int32
}

func (tr *Transcriber) Transcribe(ctx context.Context, audio *models.Audio, turns []models.SpeakerSegment, language string) (*models.Transcription, error) {
	tr.calls.Add(1)
	if tr.Err != nil {
		return nil, tr.Err
	}
	res := tr.Result
	if res == nil {
		res = MeetingTranscript()
	}
	out := *res
	out.Segments = append([]models.TranscriptSegment(nil), res.Segments...)
	return &out, nil
}

func (tr *Transcriber) Calls() int { return int(tr.calls.Load()) }

type EmotionClassifier struct {
	Label string
	Err   error
	calls atomic.Int32
}

func (e *EmotionClassifier) ClassifyEmotion(ctx context.Context, audio *models.Audio, seg models.TranscriptSegment) (models.Emotion, error) {
	e.calls.Add(1)
	if e.Err != nil {
		return models.Emotion{}, e.Err
	}
	label := e.Label
	if label == "" {
		label = "happy"
	}
	return models.Emotion{Label: label, Confidence: 0.9}, nil
}

func (e *EmotionClassifier) Calls() int { return int(e.calls.Load()) }

// Backend answers agent requests with canned replies keyed by agent name.
type Backend struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string][]error
	calls   map[string]int
	prompts map[string]string
	hang    map[string]bool
	Delay   time.Duration
}

func NewBackend() *Backend {
	return &Backend{
		replies: map[string]string{
			models.ActionsSection:   ActionsReply,
			models.SentimentSection: SentimentReply,
			models.ContextSection:   ContextReply,
		},
		errs:    map[string][]error{},
		calls:   map[string]int{},
		prompts: map[string]string{},
		hang:    map[string]bool{},
	}
}

// Hang makes every call for agent block until its context ends.
func (b *Backend) Hang(agent string) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hang[agent] = true
	return b
}

// Reply replaces the canned reply for agent.
func (b *Backend) Reply(agent, reply string) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies[agent] = reply
	return b
}

// Fail makes the next calls for agent return errs, one per call, before
// falling back to the canned reply.
func (b *Backend) Fail(agent string, errs ...error) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[agent] = append(b.errs[agent], errs...)
	return b
}

func (b *Backend) Complete(ctx context.Context, prompt, schema string) (string, error) {
	agent := AgentOf(schema)
	b.mu.Lock()
	b.calls[agent]++
	b.prompts[agent] = prompt
	var err error
	if pending := b.errs[agent]; len(pending) > 0 {
		err = pending[0]
		b.errs[agent] = pending[1:]
	}
	reply := b.replies[agent]
	delay := b.Delay
	hang := b.hang[agent]
	b.mu.Unlock()

	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (b *Backend) Calls(agent string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[agent]
}

func (b *Backend) LastPrompt(agent string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prompts[agent]
}

// Embedder turns text into a normalized bag-of-words vector so that texts
// sharing words score higher.
type Embedder struct {
	Dim int
	Err error
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	dim := e.Dim
	if dim == 0 {
		dim = 64
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, dim)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			h.Write([]byte(strings.Trim(word, ".,!?")))
			vec[h.Sum32()%uint32(dim)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v * v)
		}
		if norm > 0 {
			n := float32(math.Sqrt(norm))
			for j := range vec {
				vec[j] /= n
			}
		}
		out[i] = vec
	}
	return out, nil
}
