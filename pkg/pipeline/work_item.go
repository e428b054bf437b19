package pipeline

import (
	"math"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

// durationSlack absorbs float rounding when comparing segment ends with the
// audio duration.
const durationSlack = 1e-6

// WorkItem is the payload threaded through the stages of one run. Stages
// only add to it; milestones never revert.
type WorkItem struct {
	TaskID string
	Input  models.InputRef

	Audio    *models.Audio
	Turns    []models.SpeakerSegment
	Segments []models.TranscriptSegment
	Speakers []string
	Language string
	FullText string

	Outputs  map[string]models.AgentOutput
	Sections []models.SectionInfo
	Result   *models.MergedResult

	Loaded        bool
	Diarized      bool
	Transcribed   bool
	Merged        bool
	EmotionTagged bool
	Analyzed      bool
	Formatted     bool
}

// NewWorkItem starts a run for the given task input.
func NewWorkItem(taskID string, input models.InputRef) *WorkItem {
	return &WorkItem{
		TaskID:  taskID,
		Input:   input,
		Outputs: make(map[string]models.AgentOutput),
	}
}

// Clone copies every slice and map so a stage attempt can be discarded
// without touching the original. Agent outputs and the result are immutable
// and shared.
func (w *WorkItem) Clone() *WorkItem {
	out := *w
	if w.Audio != nil {
		a := *w.Audio
		out.Audio = &a
	}
	out.Turns = append([]models.SpeakerSegment(nil), w.Turns...)
	out.Segments = append([]models.TranscriptSegment(nil), w.Segments...)
	out.Speakers = append([]string(nil), w.Speakers...)
	out.Sections = append([]models.SectionInfo(nil), w.Sections...)
	out.Outputs = make(map[string]models.AgentOutput, len(w.Outputs))
	for k, v := range w.Outputs {
		out.Outputs[k] = v
	}
	return &out
}

// Verify checks the item against the state it was derived from. Every
// promise made by a completed milestone must still hold.
func (w *WorkItem) Verify(prev *WorkItem) error {
	if prev != nil {
		reverted := []struct {
			name       string
			was, isSet bool
		}{
			{"loaded", prev.Loaded, w.Loaded},
			{"diarized", prev.Diarized, w.Diarized},
			{"transcribed", prev.Transcribed, w.Transcribed},
			{"merged", prev.Merged, w.Merged},
			{"emotion_tagged", prev.EmotionTagged, w.EmotionTagged},
			{"analyzed", prev.Analyzed, w.Analyzed},
			{"formatted", prev.Formatted, w.Formatted},
		}
		for _, m := range reverted {
			if m.was && !m.isSet {
				return errors.Errorf("milestone %s reverted", m.name)
			}
		}
		if len(w.Segments) < len(prev.Segments) {
			return errors.Errorf("transcript segments removed: %d -> %d", len(prev.Segments), len(w.Segments))
		}
		if len(w.Turns) < len(prev.Turns) {
			return errors.Errorf("speaker turns removed: %d -> %d", len(prev.Turns), len(w.Turns))
		}
		for name := range prev.Outputs {
			if _, ok := w.Outputs[name]; !ok {
				return errors.Errorf("agent output %s removed", name)
			}
		}
	}

	if w.Loaded && w.Audio == nil {
		return errors.New("loaded without audio")
	}
	if w.Transcribed {
		duration := math.Inf(1)
		if w.Audio != nil && w.Audio.Duration > 0 {
			duration = w.Audio.Duration
		}
		for i, seg := range w.Segments {
			if seg.Start >= seg.End {
				return errors.Errorf("segment %d: start %.3f not before end %.3f", i, seg.Start, seg.End)
			}
			if seg.End > duration+durationSlack {
				return errors.Errorf("segment %d: ends at %.3f past duration %.3f", i, seg.End, duration)
			}
			if i > 0 && seg.Start < w.Segments[i-1].Start {
				return errors.Errorf("segment %d: out of order", i)
			}
		}
	}
	if w.Merged {
		for i, seg := range w.Segments {
			if seg.Speaker == "" {
				return errors.Errorf("segment %d: missing speaker label", i)
			}
		}
	}
	if w.EmotionTagged {
		for i, seg := range w.Segments {
			if seg.Emotion == "" {
				return errors.Errorf("segment %d: missing emotion label", i)
			}
		}
	}
	if w.Formatted && w.Result == nil {
		return errors.New("formatted without result")
	}
	return nil
}
