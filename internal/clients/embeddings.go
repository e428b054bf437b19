package clients

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embeddings calls an OpenAI-compatible /embeddings endpoint.
type Embeddings struct {
	BaseURL string
	Model   string
	APIKey  string
	http    *HTTP
}

func NewEmbeddings(h *HTTP, baseURL, model, apiKey string) *Embeddings {
	return &Embeddings{BaseURL: normalizeBaseURL(baseURL), Model: model, APIKey: apiKey, http: h}
}

func (c *Embeddings) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	headers := map[string]string{}
	if c.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.APIKey
	}
	var out embeddingResponse
	if err := c.http.postJSON(ctx, "embeddings", c.BaseURL+"/embeddings", headers, embeddingRequest{Model: c.Model, Input: texts}, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, errors.Errorf("embeddings: got %d vectors for %d inputs", len(out.Data), len(texts))
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
