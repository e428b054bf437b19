package retriever

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/ignatij/meetflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrConsumed is reported by Matches.Err when All is called a second time.
var ErrConsumed = errors.New("matches already consumed")

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// MemoryStore keeps embedded segments of past meetings.
type MemoryStore interface {
	Upsert(ctx context.Context, meetingID string, segments []models.EmbeddedSegment) error
	Query(ctx context.Context, embedding []float32, topK int) ([]models.ScoredSegment, error)
}

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Retriever finds segments of earlier meetings related to a query.
type Retriever struct {
	embedder Embedder
	store    MemoryStore
	logger   Logger
}

func New(embedder Embedder, store MemoryStore, logger Logger) *Retriever {
	return &Retriever{embedder: embedder, store: store, logger: logger}
}

// FindRelevant prepares a query. Nothing is fetched until the returned
// Matches is iterated.
func (r *Retriever) FindRelevant(ctx context.Context, query string, topK int, minScore float64) *Matches {
	return &Matches{ctx: ctx, r: r, query: query, topK: topK, minScore: minScore}
}

// Remember embeds the segments of a finished meeting and stores them for
// future queries. Segments without text are skipped.
func (r *Retriever) Remember(ctx context.Context, meetingID string, segments []models.TranscriptSegment) error {
	texts := make([]string, 0, len(segments))
	kept := make([]models.TranscriptSegment, 0, len(segments))
	for _, seg := range segments {
		if seg.Text == "" {
			continue
		}
		texts = append(texts, seg.Text)
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		return nil
	}
	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return errors.Wrap(err, "embed segments")
	}
	if len(vectors) != len(kept) {
		return errors.Errorf("embedder returned %d vectors for %d segments", len(vectors), len(kept))
	}
	embedded := make([]models.EmbeddedSegment, len(kept))
	for i, seg := range kept {
		embedded[i] = models.EmbeddedSegment{
			MeetingID: meetingID,
			Speaker:   seg.Speaker,
			Text:      seg.Text,
			Start:     seg.Start,
			End:       seg.End,
			Embedding: vectors[i],
		}
	}
	if err := r.store.Upsert(ctx, meetingID, embedded); err != nil {
		return errors.Wrap(err, "upsert segments")
	}
	r.logger.Infof("Remembered %d segment(s) of meeting %s", len(embedded), meetingID)
	return nil
}

// Matches is a lazy, single-use sequence of prior segments ordered by
// descending score.
type Matches struct {
	ctx      context.Context
	r        *Retriever
	query    string
	topK     int
	minScore float64

	mu   sync.Mutex
	used bool
	err  error
}

// All yields the matches. Only the first call fetches anything; later calls
// yield nothing and set Err to ErrConsumed.
func (m *Matches) All() iter.Seq[models.ScoredSegment] {
	return func(yield func(models.ScoredSegment) bool) {
		m.mu.Lock()
		if m.used {
			m.err = ErrConsumed
			m.mu.Unlock()
			return
		}
		m.used = true
		m.mu.Unlock()

		found, err := m.fetch()
		if err != nil {
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
			return
		}
		for _, seg := range found {
			if !yield(seg) {
				return
			}
		}
	}
}

// Err reports why iteration stopped early, if it did.
func (m *Matches) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Matches) fetch() ([]models.ScoredSegment, error) {
	if m.query == "" || m.topK <= 0 {
		return nil, nil
	}
	vectors, err := m.r.embedder.Embed(m.ctx, []string{m.query})
	if err != nil {
		return nil, errors.Wrap(err, "embed query")
	}
	if len(vectors) != 1 {
		return nil, errors.Errorf("embedder returned %d vectors for 1 query", len(vectors))
	}
	found, err := m.r.store.Query(m.ctx, vectors[0], m.topK)
	if err != nil {
		return nil, errors.Wrap(err, "query memory store")
	}
	kept := found[:0:0]
	for _, seg := range found {
		if seg.Score >= m.minScore {
			kept = append(kept, seg)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if len(kept) > m.topK {
		kept = kept[:m.topK]
	}
	return kept, nil
}
