package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

const (
	PreprocessStage = "preprocess"
	DiarizeStage    = "diarize"
	TranscribeStage = "transcribe"
	MergeStage      = "merge"
	EmotionStage    = "emotion"
	AnalyzeStage    = "analyze"
	FormatStage     = "format"
)

// StageOrder is the fixed order of the built-in stages.
var StageOrder = []string{
	PreprocessStage, DiarizeStage, TranscribeStage, MergeStage,
	EmotionStage, AnalyzeStage, FormatStage,
}

// DefaultWeights returns the default progress weight of each built-in stage.
func DefaultWeights() map[string]int {
	return map[string]int{
		PreprocessStage: 10,
		DiarizeStage:    15,
		TranscribeStage: 15,
		MergeStage:      5,
		EmotionStage:    15,
		AnalyzeStage:    35,
		FormatStage:     5,
	}
}

type AudioLoader interface {
	LoadAndValidate(ctx context.Context, path string) (*models.Audio, error)
}

type Diarizer interface {
	Diarize(ctx context.Context, audio *models.Audio, numSpeakers int) ([]models.SpeakerSegment, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio *models.Audio, turns []models.SpeakerSegment, language string) (*models.Transcription, error)
}

type EmotionClassifier interface {
	ClassifyEmotion(ctx context.Context, audio *models.Audio, segment models.TranscriptSegment) (models.Emotion, error)
}

// Analyzer fills the agent outputs and sections of a fully merged work item.
type Analyzer interface {
	Analyze(ctx context.Context, item *WorkItem, cancelled func() bool) error
}

// Collaborators are the external capabilities the built-in stages call.
type Collaborators struct {
	Loader      AudioLoader
	Diarizer    Diarizer
	Transcriber Transcriber
	Emotion     EmotionClassifier
	Analyzer    Analyzer
}

// StagePolicy carries the per-stage knobs taken from configuration.
type StagePolicy struct {
	Weights map[string]int
	Timeout time.Duration
	Retries int
	// AnalyzeTimeout is the worst-case duration of the analyzer. The analyze
	// stage gets the larger of it and Timeout.
	AnalyzeTimeout time.Duration
}

// BuildStages returns the built-in stages in StageOrder. The analyze stage
// is never retried by the sequencer; agents retry their own backend calls.
func BuildStages(c Collaborators, p StagePolicy) ([]Stage, error) {
	if c.Loader == nil || c.Diarizer == nil || c.Transcriber == nil || c.Emotion == nil || c.Analyzer == nil {
		return nil, errors.New("all pipeline collaborators are required")
	}
	weights := p.Weights
	if len(weights) == 0 {
		weights = DefaultWeights()
	}
	runs := map[string]RunFunc{
		PreprocessStage: preprocess(c.Loader),
		DiarizeStage:    diarize(c.Diarizer),
		TranscribeStage: transcribe(c.Transcriber),
		MergeStage:      merge,
		EmotionStage:    tagEmotions(c.Emotion),
		AnalyzeStage:    analyze(c.Analyzer),
		FormatStage:     format,
	}

	stages := make([]Stage, 0, len(StageOrder))
	for _, name := range StageOrder {
		w, ok := weights[name]
		if !ok {
			return nil, errors.Errorf("no weight configured for stage %q", name)
		}
		retries, timeout := p.Retries, p.Timeout
		if name == AnalyzeStage {
			retries = 0
			if p.AnalyzeTimeout > timeout {
				timeout = p.AnalyzeTimeout
			}
		}
		stages = append(stages, Stage{
			Name:    name,
			Weight:  w,
			Timeout: timeout,
			Retries: retries,
			Run:     runs[name],
		})
	}
	for name := range weights {
		if _, ok := runs[name]; !ok {
			return nil, errors.Errorf("weight configured for unknown stage %q", name)
		}
	}
	return stages, nil
}

func preprocess(loader AudioLoader) RunFunc {
	return func(ctx context.Context, item *WorkItem, env Env) error {
		audio, err := loader.LoadAndValidate(ctx, item.Input.AudioPath)
		if err != nil {
			return err
		}
		item.Audio = audio
		item.Loaded = true
		return nil
	}
}

func diarize(d Diarizer) RunFunc {
	return func(ctx context.Context, item *WorkItem, env Env) error {
		turns, err := d.Diarize(ctx, item.Audio, item.Input.Options.NumSpeakers)
		if err != nil {
			return err
		}
		valid := make([]models.SpeakerSegment, 0, len(turns))
		for _, t := range turns {
			if t.End > t.Start && t.Speaker != "" {
				valid = append(valid, t)
			}
		}
		sort.SliceStable(valid, func(i, j int) bool { return valid[i].Start < valid[j].Start })
		item.Turns = append(item.Turns, valid...)
		item.Diarized = true
		return nil
	}
}

// transcribe stores the backend transcript after dropping empty or inverted
// segments and clamping the rest to the audio duration.
func transcribe(t Transcriber) RunFunc {
	return func(ctx context.Context, item *WorkItem, env Env) error {
		tr, err := t.Transcribe(ctx, item.Audio, item.Turns, item.Input.Options.Language)
		if err != nil {
			return err
		}
		duration := item.Audio.Duration
		segments := make([]models.TranscriptSegment, 0, len(tr.Segments))
		for _, seg := range tr.Segments {
			seg.Text = strings.TrimSpace(seg.Text)
			if seg.Text == "" {
				continue
			}
			if seg.Start < 0 {
				seg.Start = 0
			}
			if duration > 0 && seg.End > duration {
				seg.End = duration
			}
			if seg.End <= seg.Start {
				continue
			}
			seg.Speaker, seg.Emotion, seg.EmotionConfidence = "", "", 0
			segments = append(segments, seg)
		}
		sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

		item.Segments = append(item.Segments, segments...)
		item.Language = tr.Language
		if item.Language == "" {
			item.Language = item.Input.Options.Language
		}
		texts := make([]string, len(segments))
		for i, seg := range segments {
			texts[i] = seg.Text
		}
		item.FullText = strings.Join(texts, " ")
		item.Transcribed = true
		return nil
	}
}

// merge labels each transcript segment with the speaker whose turns overlap
// it the longest, or UnknownSpeaker when none do.
func merge(ctx context.Context, item *WorkItem, env Env) error {
	seen := make(map[string]bool)
	for i := range item.Segments {
		seg := &item.Segments[i]
		overlap := make(map[string]float64)
		best, bestOverlap := models.UnknownSpeaker, 0.0
		for _, turn := range item.Turns {
			o := min(seg.End, turn.End) - max(seg.Start, turn.Start)
			if o <= 0 {
				continue
			}
			overlap[turn.Speaker] += o
			if overlap[turn.Speaker] > bestOverlap {
				best, bestOverlap = turn.Speaker, overlap[turn.Speaker]
			}
		}
		seg.Speaker = best
		if !seen[best] {
			seen[best] = true
			item.Speakers = append(item.Speakers, best)
		}
	}
	sort.Strings(item.Speakers)
	item.Merged = true
	return nil
}

func tagEmotions(classifier EmotionClassifier) RunFunc {
	return func(ctx context.Context, item *WorkItem, env Env) error {
		if !item.Input.Options.EnableEmotion {
			return nil
		}
		for i := range item.Segments {
			if err := ctx.Err(); err != nil {
				return err
			}
			emotion, err := classifier.ClassifyEmotion(ctx, item.Audio, item.Segments[i])
			if err != nil {
				return errors.Wrapf(err, "classify segment %d", i)
			}
			if emotion.Label == "" {
				emotion.Label = "neutral"
			}
			item.Segments[i].Emotion = emotion.Label
			item.Segments[i].EmotionConfidence = emotion.Confidence
			env.Report(float64(i+1) / float64(len(item.Segments)))
		}
		item.EmotionTagged = true
		return nil
	}
}

func analyze(a Analyzer) RunFunc {
	return func(ctx context.Context, item *WorkItem, env Env) error {
		if err := a.Analyze(ctx, item, env.Cancelled); err != nil {
			return err
		}
		item.Analyzed = true
		return nil
	}
}

func format(ctx context.Context, item *WorkItem, env Env) error {
	item.Result = BuildResult(item, time.Now().UTC())
	item.Formatted = true
	return nil
}
