package clients

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string      `json:"model"`
	Messages       []Message   `json:"messages"`
	Temperature    float64     `json:"temperature"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	ResponseFormat interface{} `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

const systemPrompt = "You are an expert meeting analyst. You answer with a single JSON object and no other text."

// LLM is a chat-completions client for OpenAI-compatible servers.
type LLM struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	// JSONMode asks the server for a JSON object response. Some local
	// servers reject the option.
	JSONMode bool
	http     *HTTP
}

func NewLLM(h *HTTP, baseURL, model, apiKey string) *LLM {
	return &LLM{
		BaseURL:     normalizeBaseURL(baseURL),
		Model:       model,
		APIKey:      apiKey,
		Temperature: 0.1,
		JSONMode:    true,
		http:        h,
	}
}

// Complete sends prompt and returns the model's raw answer. The agents
// embed schemaHint in the prompt, so it is not sent separately.
func (c *LLM) Complete(ctx context.Context, prompt, schemaHint string) (string, error) {
	req := chatRequest{
		Model: c.Model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
	if c.JSONMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}
	headers := map[string]string{}
	if c.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.APIKey
	}

	var out chatCompletionResponse
	if err := c.http.postJSON(ctx, "chat completion", c.BaseURL+"/chat/completions", headers, req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("chat completion: response missing choices")
	}
	content := out.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", errors.Errorf("chat completion: empty response (finish reason %q)", out.Choices[0].FinishReason)
	}
	return content, nil
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}
