package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/meetflow/internal/testutil"
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/ignatij/meetflow/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type analyzer struct {
	err error
}

func (a analyzer) Analyze(ctx context.Context, item *pipeline.WorkItem, cancelled func() bool) error {
	if a.err != nil {
		return a.err
	}
	item.Outputs[models.ActionsSection] = &models.ActionReport{
		ActionItems: []models.ActionItem{
			{Task: "low", Priority: "low"},
			{Task: "high", Priority: "high"},
		},
		Decisions: []models.Decision{{Decision: "d1"}, {Decision: "d2"}, {Decision: "d3"}, {Decision: "d4"}},
	}
	item.Sections = append(item.Sections,
		models.SectionInfo{Agent: models.ActionsSection, Status: models.SectionOK},
		models.SectionInfo{Agent: models.SentimentSection, Status: models.SectionAbsent,
			Error: models.NewTaskError(models.AgentOutputErrorCode, "invalid output", nil)},
	)
	return nil
}

type collaborators struct {
	loader      *testutil.Loader
	diarizer    *testutil.Diarizer
	transcriber *testutil.Transcriber
	emotion     *testutil.EmotionClassifier
	analyzer    analyzer
}

func newCollaborators() *collaborators {
	return &collaborators{
		loader:      &testutil.Loader{},
		diarizer:    &testutil.Diarizer{},
		transcriber: &testutil.Transcriber{},
		emotion:     &testutil.EmotionClassifier{},
	}
}

func (c *collaborators) sequencer(t *testing.T) *pipeline.Sequencer {
	stages, err := pipeline.BuildStages(pipeline.Collaborators{
		Loader:      c.loader,
		Diarizer:    c.diarizer,
		Transcriber: c.transcriber,
		Emotion:     c.emotion,
		Analyzer:    c.analyzer,
	}, pipeline.StagePolicy{Timeout: time.Second, Retries: 1})
	require.NoError(t, err)
	seq, err := pipeline.NewSequencer(stages, pipeline.WithRetryBackoff(time.Millisecond))
	require.NoError(t, err)
	return seq
}

func inputItem(emotion bool) *pipeline.WorkItem {
	return pipeline.NewWorkItem("task-1", models.InputRef{
		AudioPath:   "meeting.wav",
		Fingerprint: "f1",
		Options:     models.AnalysisOptions{EnableEmotion: emotion, EnableContext: true},
	})
}

func TestBuildStages_DefaultOrderAndWeights(t *testing.T) {
	c := newCollaborators()
	stages, err := pipeline.BuildStages(pipeline.Collaborators{
		Loader: c.loader, Diarizer: c.diarizer, Transcriber: c.transcriber, Emotion: c.emotion, Analyzer: c.analyzer,
	}, pipeline.StagePolicy{Retries: 2})
	require.NoError(t, err)

	total := 0
	for i, st := range stages {
		assert.Equal(t, pipeline.StageOrder[i], st.Name)
		total += st.Weight
		if st.Name == pipeline.AnalyzeStage {
			assert.Equal(t, 0, st.Retries)
		} else {
			assert.Equal(t, 2, st.Retries)
		}
	}
	assert.Equal(t, 100, total)
}

func TestBuildStages_AnalyzeTimeout(t *testing.T) {
	c := newCollaborators()
	collab := pipeline.Collaborators{
		Loader: c.loader, Diarizer: c.diarizer, Transcriber: c.transcriber, Emotion: c.emotion, Analyzer: c.analyzer,
	}
	for _, tc := range []struct {
		name    string
		analyze time.Duration
		want    time.Duration
	}{
		{"analyzer needs longer", 10 * time.Minute, 10 * time.Minute},
		{"stage timeout is enough", time.Minute, 5 * time.Minute},
		{"unset", 0, 5 * time.Minute},
	} {
		t.Run(tc.name, func(t *testing.T) {
			stages, err := pipeline.BuildStages(collab, pipeline.StagePolicy{Timeout: 5 * time.Minute, AnalyzeTimeout: tc.analyze})
			require.NoError(t, err)
			for _, st := range stages {
				if st.Name == pipeline.AnalyzeStage {
					assert.Equal(t, tc.want, st.Timeout)
				} else {
					assert.Equal(t, 5*time.Minute, st.Timeout)
				}
			}
		})
	}
}

func TestBuildStages_RejectsBadWeights(t *testing.T) {
	c := newCollaborators()
	collab := pipeline.Collaborators{
		Loader: c.loader, Diarizer: c.diarizer, Transcriber: c.transcriber, Emotion: c.emotion, Analyzer: c.analyzer,
	}

	missing := pipeline.DefaultWeights()
	delete(missing, pipeline.FormatStage)
	_, err := pipeline.BuildStages(collab, pipeline.StagePolicy{Weights: missing})
	assert.ErrorContains(t, err, "no weight configured")

	unknown := pipeline.DefaultWeights()
	unknown["render"] = 0
	_, err = pipeline.BuildStages(collab, pipeline.StagePolicy{Weights: unknown})
	assert.ErrorContains(t, err, "unknown stage")

	_, err = pipeline.BuildStages(pipeline.Collaborators{}, pipeline.StagePolicy{})
	assert.Error(t, err)
}

func TestBuiltinStages_FullRun(t *testing.T) {
	c := newCollaborators()
	rec := newRecorder()

	out, err := c.sequencer(t).Run(context.Background(), inputItem(true), rec)
	require.NoError(t, err)
	rec.assertMonotonic(t)
	assert.Equal(t, pipeline.MaxProgress, rec.last())

	assert.True(t, out.Loaded && out.Diarized && out.Transcribed && out.Merged)
	assert.True(t, out.EmotionTagged && out.Analyzed && out.Formatted)
	require.Len(t, out.Segments, 3)
	assert.Equal(t, []string{"SPEAKER_00", "SPEAKER_01", "SPEAKER_00"},
		[]string{out.Segments[0].Speaker, out.Segments[1].Speaker, out.Segments[2].Speaker})
	for _, seg := range out.Segments {
		assert.Equal(t, "happy", seg.Emotion)
	}
	assert.Equal(t, 3, c.emotion.Calls())

	res := out.Result
	require.NotNil(t, res)
	assert.Equal(t, "task-1", res.MeetingID)
	assert.Equal(t, "f1", res.Fingerprint)
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, 30.0, res.Duration)
	assert.Equal(t, []string{"SPEAKER_00", "SPEAKER_01"}, res.Speakers)
	assert.Equal(t, 2, res.DiarizationStats.NumSpeakers)
	assert.Equal(t, 20.0, res.DiarizationStats.SpeakerTimes["SPEAKER_00"])
	assert.Contains(t, res.FullTranscript, "budget")
	assert.Equal(t, models.SectionOK, res.SectionStatus(models.ActionsSection))
	assert.Equal(t, models.SectionAbsent, res.SectionStatus(models.SentimentSection))

	sum := res.ExecutiveSummary
	require.Len(t, sum.TopActions, 2)
	assert.Equal(t, "high", sum.TopActions[0].Task)
	assert.Len(t, sum.TopDecisions, 3)
	assert.Equal(t, res.Speakers, sum.Participants)
}

func TestBuiltinStages_EmotionDisabled(t *testing.T) {
	c := newCollaborators()
	out, err := c.sequencer(t).Run(context.Background(), inputItem(false), newRecorder())
	require.NoError(t, err)
	assert.False(t, out.EmotionTagged)
	assert.Equal(t, 0, c.emotion.Calls())
	for _, seg := range out.Segments {
		assert.Empty(t, seg.Emotion)
	}
}

func TestBuiltinStages_MergeFallsBackToUnknown(t *testing.T) {
	c := newCollaborators()
	c.diarizer.Turns = []models.SpeakerSegment{{Start: 0, End: 5, Speaker: "SPEAKER_00"}}
	c.transcriber.Result = &models.Transcription{Segments: []models.TranscriptSegment{
		{Start: 20, End: 25, Text: "late remark"},
		{Start: 1, End: 4, Text: "opening"},
		{Start: 10, End: 10, Text: "zero length"},
		{Start: 26, End: 40, Text: "runs past the end"},
		{Start: 5, End: 6, Text: "   "},
	}}

	out, err := c.sequencer(t).Run(context.Background(), inputItem(false), newRecorder())
	require.NoError(t, err)
	require.Len(t, out.Segments, 3)
	assert.Equal(t, "opening", out.Segments[0].Text)
	assert.Equal(t, "SPEAKER_00", out.Segments[0].Speaker)
	assert.Equal(t, models.UnknownSpeaker, out.Segments[1].Speaker)
	assert.Equal(t, 30.0, out.Segments[2].End)
	assert.Equal(t, []string{"SPEAKER_00", models.UnknownSpeaker}, out.Speakers)
}

func TestBuiltinStages_FailureStopsDownstream(t *testing.T) {
	c := newCollaborators()
	c.transcriber.Err = models.Transient(errors.New("asr 503"))
	rec := newRecorder()

	_, err := c.sequencer(t).Run(context.Background(), inputItem(true), rec)
	te, ok := models.AsTaskError(err)
	require.True(t, ok)
	assert.Equal(t, pipeline.TranscribeStage, te.Stage)
	assert.Equal(t, models.StageFailureCode, te.Code)
	assert.Equal(t, 2, c.transcriber.Calls())
	assert.Equal(t, 0, c.emotion.Calls())
	assert.Equal(t, []string{pipeline.PreprocessStage, pipeline.DiarizeStage, pipeline.TranscribeStage}, rec.started)
}

func TestBuiltinStages_AllAgentsFailedKeepsCode(t *testing.T) {
	c := newCollaborators()
	c.analyzer = analyzer{err: models.NewTaskError(models.AllAgentsFailedCode, "all agents failed", nil)}

	_, err := c.sequencer(t).Run(context.Background(), inputItem(true), newRecorder())
	te, ok := models.AsTaskError(err)
	require.True(t, ok)
	assert.Equal(t, models.AllAgentsFailedCode, te.Code)
	assert.Equal(t, pipeline.AnalyzeStage, te.Stage)
}
