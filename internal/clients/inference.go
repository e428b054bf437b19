package clients

import (
	"context"
	"strconv"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

// Inference talks to the audio model services: preprocessing, diarization,
// speech recognition and emotion classification. Each service has its own
// base URL; the audio file is uploaded as multipart form data.
type Inference struct {
	PreprocessURL  string
	DiarizationURL string
	ASRURL         string
	EmotionURL     string
	http           *HTTP
}

func NewInference(h *HTTP, preprocessURL, diarizationURL, asrURL, emotionURL string) *Inference {
	return &Inference{
		PreprocessURL:  preprocessURL,
		DiarizationURL: diarizationURL,
		ASRURL:         asrURL,
		EmotionURL:     emotionURL,
		http:           h,
	}
}

type probeResp struct {
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

// Probe asks the preprocessing service for the properties of a compressed
// file. An unreadable file is a validation error.
func (c *Inference) Probe(ctx context.Context, path string) (*models.Audio, error) {
	if c.PreprocessURL == "" {
		return nil, models.ValidationError("no preprocessing service configured")
	}
	var out probeResp
	if err := c.http.postFile(ctx, "probe", endpoint(c.PreprocessURL, "/probe"), path, nil, &out); err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && serr.Status == 422 {
			return nil, models.ValidationError("audio file could not be decoded")
		}
		return nil, err
	}
	if out.Duration <= 0 {
		return nil, models.ValidationError("audio file has no duration")
	}
	return &models.Audio{Duration: out.Duration, SampleRate: out.SampleRate, Channels: out.Channels}, nil
}

type diarizeResp struct {
	Segments []models.SpeakerSegment `json:"segments"`
}

func (c *Inference) Diarize(ctx context.Context, audio *models.Audio, numSpeakers int) ([]models.SpeakerSegment, error) {
	fields := map[string]string{}
	if numSpeakers > 0 {
		fields["num_speakers"] = strconv.Itoa(numSpeakers)
	}
	var out diarizeResp
	if err := c.http.postFile(ctx, "diarize", endpoint(c.DiarizationURL, "/diarize"), audio.Path, fields, &out); err != nil {
		return nil, err
	}
	return out.Segments, nil
}

type asrResp struct {
	Text     string                     `json:"text"`
	Language string                     `json:"language"`
	Segments []models.TranscriptSegment `json:"segments"`
}

// Transcribe uploads the audio with the diarized turns so the recognizer
// can align its segments to them.
func (c *Inference) Transcribe(ctx context.Context, audio *models.Audio, turns []models.SpeakerSegment, language string) (*models.Transcription, error) {
	fields := map[string]string{}
	if language != "" {
		fields["language"] = language
	}
	if len(turns) > 0 {
		encoded, err := jsonString(turns)
		if err != nil {
			return nil, err
		}
		fields["turns"] = encoded
	}
	var out asrResp
	if err := c.http.postFile(ctx, "transcribe", endpoint(c.ASRURL, "/transcribe"), audio.Path, fields, &out); err != nil {
		return nil, err
	}
	return &models.Transcription{Text: out.Text, Language: out.Language, Segments: out.Segments}, nil
}

type emotionReq struct {
	AudioPath string  `json:"audio_path"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Text      string  `json:"text"`
}

type emotionScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

type emotionResp struct {
	Emotions        []emotionScore `json:"emotions"`
	DominantEmotion string         `json:"dominant_emotion"`
}

// ClassifyEmotion classifies one segment. The service reads the audio from
// the shared path and may fall back to the text.
func (c *Inference) ClassifyEmotion(ctx context.Context, audio *models.Audio, seg models.TranscriptSegment) (models.Emotion, error) {
	var out emotionResp
	err := c.http.postJSON(ctx, "emotion", endpoint(c.EmotionURL, "/detect"), nil, emotionReq{
		AudioPath: audio.Path,
		Start:     seg.Start,
		End:       seg.End,
		Text:      seg.Text,
	}, &out)
	if err != nil {
		return models.Emotion{}, err
	}
	if out.DominantEmotion != "" {
		e := models.Emotion{Label: out.DominantEmotion}
		for _, sc := range out.Emotions {
			if sc.Label == e.Label {
				e.Confidence = sc.Score
			}
		}
		return e, nil
	}
	var e models.Emotion
	for _, sc := range out.Emotions {
		if sc.Score > e.Confidence {
			e = models.Emotion{Label: sc.Label, Confidence: sc.Score}
		}
	}
	return e, nil
}
