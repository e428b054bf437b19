package clients_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ignatij/meetflow/internal/clients"
	"github.com/ignatij/meetflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAudio(t *testing.T) *models.Audio {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meeting.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF audio"), 0o600))
	return &models.Audio{Path: path, Format: "wav", Duration: 30}
}

func TestLLM_Complete(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	llm := clients.NewLLM(clients.NewHTTP(time.Second), srv.URL, "test-model", "key")
	out, err := llm.Complete(context.Background(), "analyse this", `{"ok":"bool"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, "test-model", got["model"])
	assert.Equal(t, map[string]interface{}{"type": "json_object"}, got["response_format"])
	messages := got["messages"].([]interface{})
	require.Len(t, messages, 2)
	assert.Equal(t, "analyse this", messages[1].(map[string]interface{})["content"])
}

func TestLLM_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "request timeout", status: http.StatusRequestTimeout, wantTransient: true},
		{name: "server error", status: http.StatusBadGateway, wantTransient: true},
		{name: "bad request", status: http.StatusBadRequest, wantTransient: false},
		{name: "unauthorized", status: http.StatusUnauthorized, wantTransient: false},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, wantTransient: false},
		{name: "empty content", status: http.StatusOK, body: `{"choices":[{"message":{"content":"  "}}]}`, wantTransient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			llm := clients.NewLLM(clients.NewHTTP(time.Second), srv.URL+"/v1/", "m", "")
			_, err := llm.Complete(context.Background(), "p", "")
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, models.IsTransient(err))
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		llm := clients.NewLLM(clients.NewHTTP(time.Second), url, "m", "")
		_, err := llm.Complete(context.Background(), "p", "")
		assert.True(t, models.IsTransient(err))
	})
}

func TestInference(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /diarize", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "2", r.FormValue("num_speakers"))
		if _, header, err := r.FormFile("file"); assert.NoError(t, err) {
			assert.Equal(t, "meeting.wav", header.Filename)
		}
		_, _ = io.WriteString(w, `{"segments":[{"start":0,"end":5,"speaker":"SPEAKER_00"},{"start":5,"end":9,"speaker":"SPEAKER_01"}]}`)
	})
	mux.HandleFunc("POST /transcribe", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "en", r.FormValue("language"))
		assert.Contains(t, r.FormValue("turns"), "SPEAKER_01")
		_, _ = io.WriteString(w, `{"text":"hello there","language":"en","segments":[{"start":0.2,"end":4.8,"text":"hello there"}]}`)
	})
	mux.HandleFunc("POST /detect", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello there", req["text"])
		_, _ = io.WriteString(w, `{"dominant_emotion":"happy","emotions":[{"label":"neutral","score":0.2},{"label":"happy","score":0.7}]}`)
	})
	mux.HandleFunc("POST /probe", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := clients.NewInference(clients.NewHTTP(time.Second), srv.URL, srv.URL, srv.URL, srv.URL)
	audio := writeAudio(t)
	ctx := context.Background()

	turns, err := c.Diarize(ctx, audio, 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "SPEAKER_01", turns[1].Speaker)

	tr, err := c.Transcribe(ctx, audio, turns, "en")
	require.NoError(t, err)
	assert.Equal(t, "en", tr.Language)
	require.Len(t, tr.Segments, 1)

	emotion, err := c.ClassifyEmotion(ctx, audio, tr.Segments[0])
	require.NoError(t, err)
	assert.Equal(t, models.Emotion{Label: "happy", Confidence: 0.7}, emotion)

	_, err = c.Probe(ctx, audio.Path)
	te, ok := models.AsTaskError(err)
	require.True(t, ok)
	assert.Equal(t, models.ValidationErrorCode, te.Code)
}

func TestEmbeddingsAndMemory(t *testing.T) {
	var upserted map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		// out of order on purpose
		_, _ = io.WriteString(w, `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`)
	})
	mux.HandleFunc("PUT /meetings/{id}/segments", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "m 1", r.PathValue("id"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&upserted))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /query", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"matches":[{"meeting_id":"m 1","text":"budget","score":0.9}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := clients.NewHTTP(time.Second)
	emb := clients.NewEmbeddings(h, srv.URL, "embed", "")
	vectors, err := emb.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)

	_, err = emb.Embed(context.Background(), []string{"only one"})
	assert.Error(t, err)

	mem := clients.NewMemoryService(h, srv.URL)
	require.NoError(t, mem.Upsert(context.Background(), "m 1", []models.EmbeddedSegment{{MeetingID: "m 1", Text: "budget", Embedding: []float32{1, 0}}}))
	assert.Len(t, upserted["segments"], 1)

	matches, err := mem.Query(context.Background(), []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 0.9, matches[0].Score)
}
