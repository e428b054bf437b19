package audio_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/ignatij/meetflow/internal/audio"
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRate = 8000

func writeWAV(t *testing.T, seconds float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meeting.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, int(seconds*sampleRate)),
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	return path
}

type prober struct {
	duration float64
	err      error
}

func (p prober) Probe(ctx context.Context, path string) (*models.Audio, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &models.Audio{Duration: p.duration, SampleRate: 44100, Channels: 2}, nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validationCode(t *testing.T, err error) {
	t.Helper()
	te, ok := models.AsTaskError(err)
	require.True(t, ok, "expected a TaskError, got %v", err)
	assert.Equal(t, models.ValidationErrorCode, te.Code)
}

func TestLoader_WAV(t *testing.T) {
	loader := audio.NewLoader(time.Second, time.Minute, nil, nil)

	a, err := loader.LoadAndValidate(context.Background(), writeWAV(t, 2))
	require.NoError(t, err)
	assert.Equal(t, "wav", a.Format)
	assert.InDelta(t, 2.0, a.Duration, 0.01)
	assert.Equal(t, sampleRate, a.SampleRate)
	assert.Equal(t, 1, a.Channels)
	assert.Positive(t, a.SizeBytes)

	_, err = loader.LoadAndValidate(context.Background(), writeWAV(t, 0.5))
	validationCode(t, err)
	assert.Contains(t, err.Error(), "too short")

	short := audio.NewLoader(time.Second, 2*time.Second, nil, nil)
	_, err = short.LoadAndValidate(context.Background(), writeWAV(t, 3))
	validationCode(t, err)
	assert.Contains(t, err.Error(), "too long")
}

func TestLoader_Rejects(t *testing.T) {
	loader := audio.NewLoader(0, 0, nil, nil)

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{name: "missing", path: filepath.Join(t.TempDir(), "none.wav"), wantErr: "not found"},
		{name: "empty", path: writeFile(t, "empty.wav", ""), wantErr: "empty"},
		{name: "unsupported extension", path: writeFile(t, "notes.txt", "hello"), wantErr: "unsupported audio format"},
		{name: "corrupt wav", path: writeFile(t, "broken.wav", "definitely not RIFF"), wantErr: "invalid WAV"},
		{name: "compressed without prober", path: writeFile(t, "meeting.mp3", "ID3"), wantErr: "preprocessing service"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.LoadAndValidate(context.Background(), tt.path)
			validationCode(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_Prober(t *testing.T) {
	path := writeFile(t, "meeting.MP3", "ID3")

	loader := audio.NewLoader(0, 0, nil, prober{duration: 600})
	a, err := loader.LoadAndValidate(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "mp3", a.Format)
	assert.Equal(t, 600.0, a.Duration)
	assert.Equal(t, path, a.Path)

	unavailable := models.Transient(errors.New("503"))
	loader = audio.NewLoader(0, 0, nil, prober{err: unavailable})
	_, err = loader.LoadAndValidate(context.Background(), path)
	assert.True(t, models.IsTransient(err))

	loader = audio.NewLoader(0, 0, nil, prober{duration: 3 * 3600})
	_, err = loader.LoadAndValidate(context.Background(), path)
	validationCode(t, err)
}
