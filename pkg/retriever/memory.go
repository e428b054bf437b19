package retriever

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/ignatij/meetflow/pkg/models"
)

// MemoryIndex is an in-process MemoryStore scoring by cosine similarity.
type MemoryIndex struct {
	mu       sync.RWMutex
	meetings map[string][]models.EmbeddedSegment
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{meetings: make(map[string][]models.EmbeddedSegment)}
}

// Upsert replaces everything stored for meetingID.
func (x *MemoryIndex) Upsert(ctx context.Context, meetingID string, segments []models.EmbeddedSegment) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.meetings[meetingID] = append([]models.EmbeddedSegment(nil), segments...)
	return nil
}

func (x *MemoryIndex) Query(ctx context.Context, embedding []float32, topK int) ([]models.ScoredSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	var scored []models.ScoredSegment
	for _, segments := range x.meetings {
		for _, seg := range segments {
			scored = append(scored, models.ScoredSegment{
				MeetingID: seg.MeetingID,
				Speaker:   seg.Speaker,
				Text:      seg.Text,
				Start:     seg.Start,
				End:       seg.End,
				Score:     cosine(embedding, seg.Embedding),
			})
		}
	}
	x.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Len returns the number of stored meetings.
func (x *MemoryIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.meetings)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
