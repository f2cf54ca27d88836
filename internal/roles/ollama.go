// ABOUTME: LLM collaborator contract and its Ollama HTTP implementation.
// ABOUTME: Uses the non-streaming /api/chat and /api/generate endpoints.

package roles

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLM produces text from a conversation or a single prompt.
type LLM interface {
	Chat(ctx context.Context, model string, messages []Message) (string, error)
	Generate(ctx context.Context, model, prompt string, images []string) (string, error)
}

// OllamaError is a non-200 response from the Ollama API.
type OllamaError struct {
	StatusCode int
	Message    string
}

func (e *OllamaError) Error() string {
	return fmt.Sprintf("ollama: status %d: %s", e.StatusCode, e.Message)
}

// Ollama talks to an Ollama server.
type Ollama struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllama creates a client for baseURL. timeout bounds each request; zero
// means no client-side limit.
func NewOllama(baseURL string, timeout time.Duration) *Ollama {
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
}

type ollamaGenerateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// Chat sends the conversation to /api/chat and returns the assistant reply.
func (o *Ollama) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	var resp ollamaChatResponse
	if err := o.post(ctx, "/api/chat", ollamaChatRequest{Model: model, Messages: messages}, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// Generate sends a single prompt, with optional base64 images, to /api/generate.
func (o *Ollama) Generate(ctx context.Context, model, prompt string, images []string) (string, error) {
	var resp ollamaGenerateResponse
	req := ollamaGenerateRequest{Model: model, Prompt: prompt, Images: images}
	if err := o.post(ctx, "/api/generate", req, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

func (o *Ollama) post(ctx context.Context, path string, in, out any) error {
	body, err := sonic.Marshal(in)
	if err != nil {
		return fmt.Errorf("ollama: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ollama: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readOllamaError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ollama: reading response: %w", err)
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ollama: decoding response: %w", err)
	}
	return nil
}

// readOllamaError parses {"error": "..."} bodies, falling back to the raw text.
func readOllamaError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var wire struct {
		Error string `json:"error"`
	}
	if sonic.Unmarshal(body, &wire) == nil && wire.Error != "" {
		return &OllamaError{StatusCode: resp.StatusCode, Message: wire.Error}
	}
	return &OllamaError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
