package models

// UnknownSpeaker labels transcript segments without diarization overlap.
const UnknownSpeaker = "UNKNOWN"

// Audio is a loaded and validated audio reference. Samples stay on disk.
type Audio struct {
	Path       string  `json:"path"`
	Format     string  `json:"format"`
	Duration   float64 `json:"duration"` // seconds
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	SizeBytes  int64   `json:"size_bytes"`
}

// SpeakerSegment is one turn produced by diarization.
type SpeakerSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// TranscriptSegment is one timed piece of the transcript.
type TranscriptSegment struct {
	Start             float64 `json:"start"`
	End               float64 `json:"end"`
	Speaker           string  `json:"speaker"`
	Text              string  `json:"text"`
	Emotion           string  `json:"emotion,omitempty"`
	EmotionConfidence float64 `json:"emotion_confidence,omitempty"`
}

// Duration returns the segment length in seconds.
func (s TranscriptSegment) Duration() float64 {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// Transcription is what a speech-to-text backend returns.
type Transcription struct {
	Text     string              `json:"text"`
	Language string              `json:"language"`
	Segments []TranscriptSegment `json:"segments"`
}

// Emotion is a classifier verdict for one segment.
type Emotion struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// EmbeddedSegment is a transcript segment ready for the memory store.
type EmbeddedSegment struct {
	MeetingID string    `json:"meeting_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Start     float64   `json:"start"`
	End       float64   `json:"end"`
	Embedding []float32 `json:"embedding"`
}

// ScoredSegment is a prior segment returned by a similarity query.
type ScoredSegment struct {
	MeetingID string  `json:"meeting_id"`
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Score     float64 `json:"score"`
}
