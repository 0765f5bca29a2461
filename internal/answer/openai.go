package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parley-hq/parley/internal/convo"
)

const systemPrompt = `You are a support assistant answering on behalf of a business.
Answer the customer's question using only the provided knowledge passages.
If the passages do not cover the question, say you are not sure.
Keep answers short and direct.`

// OpenAIGenerator implements Generator against OpenAI-compatible chat
// completion APIs (OpenAI, Groq, OpenRouter, vLLM, ...).
type OpenAIGenerator struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	retry   RetryConfig
}

// NewOpenAIGenerator creates a generator. apiBase defaults to the OpenAI API.
func NewOpenAIGenerator(apiKey, apiBase, model string) *OpenAIGenerator {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIGenerator{
		apiKey:  apiKey,
		apiBase: apiBase,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
		retry:   DefaultRetryConfig(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	messages := []chatMessage{{Role: "system", Content: g.buildSystemPrompt(req)}}

	for _, m := range req.History {
		role := "user"
		if m.Sender == convo.SenderAgent || m.Sender == convo.SenderOperator {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: m.Body})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Query})

	body, err := json.Marshal(chatRequest{Model: g.model, Messages: messages, Temperature: 0.3})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	// Only the connection phase is transient; a parsed API error is final.
	return retryDo(ctx, g.retry, func() (*Response, error) {
		respBody, err := g.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var parsed chatResponse
		if err := json.NewDecoder(respBody).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode chat response: %w", err)
		}
		if parsed.Error != nil {
			return nil, fmt.Errorf("chat completions: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			return nil, fmt.Errorf("chat completions: empty choices")
		}

		return &Response{
			Text:         strings.TrimSpace(parsed.Choices[0].Message.Content),
			PassagesUsed: req.Passages,
		}, nil
	})
}

func (g *OpenAIGenerator) doRequest(ctx context.Context, body []byte) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat completions: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}

func (g *OpenAIGenerator) buildSystemPrompt(req Request) string {
	if len(req.Passages) == 0 {
		return systemPrompt + "\n\nNo knowledge passages were found for this question."
	}
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	sb.WriteString("\n\nKnowledge passages:\n")
	for i, p := range req.Passages {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, p.Text)
	}
	return sb.String()
}
