package audio

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

const (
	DefaultMinDuration = time.Second
	DefaultMaxDuration = 120 * time.Minute
)

// DefaultFormats are the accepted file extensions.
var DefaultFormats = []string{"wav", "mp3", "m4a", "flac", "ogg"}

// Prober reports the properties of compressed formats that cannot be read
// locally, usually by asking the preprocessing service.
type Prober interface {
	Probe(ctx context.Context, path string) (*models.Audio, error)
}

// Loader validates audio files before any backend sees them. WAV headers
// are decoded locally; other formats go through the Prober.
type Loader struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	Formats     []string
	Prober      Prober
}

func NewLoader(minDuration, maxDuration time.Duration, formats []string, prober Prober) *Loader {
	if minDuration <= 0 {
		minDuration = DefaultMinDuration
	}
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	if len(formats) == 0 {
		formats = DefaultFormats
	}
	return &Loader{MinDuration: minDuration, MaxDuration: maxDuration, Formats: formats, Prober: prober}
}

func (l *Loader) LoadAndValidate(ctx context.Context, path string) (*models.Audio, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, models.ValidationError("audio file not found: %s", filepath.Base(path))
	}
	if info.Size() == 0 {
		return nil, models.ValidationError("audio file is empty")
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if !l.supported(format) {
		return nil, models.ValidationError("unsupported audio format %q, expected one of %s", format, strings.Join(l.Formats, ", "))
	}

	var a *models.Audio
	if format == "wav" {
		a, err = readWAV(path)
	} else {
		if l.Prober == nil {
			return nil, models.ValidationError("cannot read %s audio without a preprocessing service", format)
		}
		a, err = l.Prober.Probe(ctx, path)
	}
	if err != nil {
		return nil, err
	}
	a.Path = path
	a.Format = format
	a.SizeBytes = info.Size()

	d := time.Duration(a.Duration * float64(time.Second))
	if d < l.MinDuration {
		return nil, models.ValidationError("audio too short: %.1fs, minimum is %s", a.Duration, l.MinDuration)
	}
	if d > l.MaxDuration {
		return nil, models.ValidationError("audio too long: %s, maximum is %s", d.Round(time.Second), l.MaxDuration)
	}
	return a, nil
}

func (l *Loader) supported(format string) bool {
	for _, f := range l.Formats {
		if strings.EqualFold(strings.TrimPrefix(f, "."), format) {
			return true
		}
	}
	return false
}

func readWAV(path string) (*models.Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open audio")
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, models.ValidationError("invalid WAV file")
	}
	d, err := dec.Duration()
	if err != nil {
		return nil, models.ValidationError("invalid WAV file: cannot read duration")
	}
	return &models.Audio{
		Duration:   d.Seconds(),
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}
