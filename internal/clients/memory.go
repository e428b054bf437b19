package clients

import (
	"context"
	"net/url"

	"github.com/ignatij/meetflow/pkg/models"
)

// MemoryService is a retriever.MemoryStore backed by a vector store sidecar.
type MemoryService struct {
	BaseURL string
	http    *HTTP
}

func NewMemoryService(h *HTTP, baseURL string) *MemoryService {
	return &MemoryService{BaseURL: baseURL, http: h}
}

type upsertReq struct {
	Segments []models.EmbeddedSegment `json:"segments"`
}

// Upsert replaces the stored segments of one meeting.
func (c *MemoryService) Upsert(ctx context.Context, meetingID string, segments []models.EmbeddedSegment) error {
	u := endpoint(c.BaseURL, "/meetings/"+url.PathEscape(meetingID)+"/segments")
	return c.http.putJSON(ctx, "memory upsert", u, upsertReq{Segments: segments})
}

type queryReq struct {
	Embedding []float32 `json:"embedding"`
	TopK      int       `json:"top_k"`
}

type queryResp struct {
	Matches []models.ScoredSegment `json:"matches"`
}

func (c *MemoryService) Query(ctx context.Context, embedding []float32, topK int) ([]models.ScoredSegment, error) {
	var out queryResp
	if err := c.http.postJSON(ctx, "memory query", endpoint(c.BaseURL, "/query"), nil, queryReq{Embedding: embedding, TopK: topK}, &out); err != nil {
		return nil, err
	}
	return out.Matches, nil
}
