package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// UserContent is what a model is asked: the latest user text, any validated
// file parts, and optional prior turns (oldest first) for multi-turn chat.
type UserContent struct {
	Text    string
	Files   []FilePart
	History []ChatMessage
}

// Stream is a finite, non-restartable sequence of text deltas from one model
// call. Next advances to the following delta and returns false once the
// stream ends; Err then reports why it ended early, and Text holds the
// accumulated output.
type Stream interface {
	Next() bool
	Delta() string
	Text() string
	Err() error
	Close() error
}

// Gateway sends a prompt to a model and returns its output stream.
// Implementations never panic or fail out of band: a failed call is a
// stream whose Err is non-nil.
type Gateway interface {
	Generate(ctx context.Context, model ModelDescriptor, systemPrompt string, content UserContent) Stream
}

// ProviderRouter is the Gateway used in production; it dispatches on
// ModelDescriptor.Provider.
type ProviderRouter struct {
	backends map[Provider]Gateway
	logger   *zap.Logger
}

// NewProviderRouter creates one OpenAI-compatible backend per configured provider.
func NewProviderRouter(cfg *Config, logger *zap.Logger) *ProviderRouter {
	router := &ProviderRouter{
		backends: make(map[Provider]Gateway, len(cfg.Providers)),
		logger:   logger,
	}
	for provider, pc := range cfg.Providers {
		router.backends[provider] = NewOpenAICompatBackend(provider, pc, cfg.GatewayTimeout,
			rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst))
	}
	return router
}

// Register installs or replaces the backend for a provider.
func (r *ProviderRouter) Register(provider Provider, backend Gateway) {
	r.backends[provider] = backend
}

// Generate implements Gateway.
func (r *ProviderRouter) Generate(ctx context.Context, model ModelDescriptor, systemPrompt string, content UserContent) Stream {
	backend, ok := r.backends[model.Provider]
	if !ok {
		return ErrorStream(fmt.Errorf("no backend for provider %q", model.Provider))
	}
	r.logger.Debug("Generating",
		zap.String("model_id", model.ID),
		zap.String("provider", string(model.Provider)),
		zap.Int("files", len(content.Files)),
	)
	return backend.Generate(ctx, model, systemPrompt, content)
}

// errStream is a stream that failed before producing output.
type errStream struct{ err error }

// ErrorStream returns a Stream that yields nothing and ends with err.
func ErrorStream(err error) Stream { return &errStream{err: err} }

func (s *errStream) Next() bool    { return false }
func (s *errStream) Delta() string { return "" }
func (s *errStream) Text() string  { return "" }
func (s *errStream) Err() error    { return s.err }
func (s *errStream) Close() error  { return nil }

// chatCompletionRequest is the OpenAI-compatible streaming request body.
type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// chatMessage content is either a string or a []contentPart.
type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *imageURLRef `json:"image_url,omitempty"`
	File     *fileRef     `json:"file,omitempty"`
}

type imageURLRef struct {
	URL string `json:"url"`
}

type fileRef struct {
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data"`
}

// chatCompletionChunk is one "data:" line of a streamed completion.
type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAICompatBackend talks to any chat-completions endpoint that follows the
// OpenAI streaming protocol.
type OpenAICompatBackend struct {
	provider Provider
	baseURL  string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	limiter  *rate.Limiter
}

// NewOpenAICompatBackend creates a backend for provider. A nil limiter disables rate limiting.
func NewOpenAICompatBackend(provider Provider, pc ProviderConfig, timeout time.Duration, limiter *rate.Limiter) *OpenAICompatBackend {
	return &OpenAICompatBackend{
		provider: provider,
		baseURL:  strings.TrimRight(pc.BaseURL, "/"),
		apiKey:   pc.APIKey,
		timeout:  timeout,
		client:   &http.Client{},
		limiter:  limiter,
	}
}

// Generate implements Gateway for the models of one provider.
func (b *OpenAICompatBackend) Generate(ctx context.Context, model ModelDescriptor, systemPrompt string, content UserContent) Stream {
	if b.apiKey == "" {
		return ErrorStream(fmt.Errorf("no API key configured for provider %s", b.provider))
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			cancel()
			return ErrorStream(fmt.Errorf("rate limiter: %w", err))
		}
	}

	payload := chatCompletionRequest{
		Model:    model.ProviderModelID,
		Messages: buildMessages(systemPrompt, content),
		Stream:   true,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		cancel()
		return ErrorStream(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(payloadBytes))
	if err != nil {
		cancel()
		return ErrorStream(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		cancel()
		return ErrorStream(fmt.Errorf("failed to make request: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return ErrorStream(fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes))))
	}

	return newSSEChunkStream(resp.Body, cancel)
}

func buildMessages(systemPrompt string, content UserContent) []chatMessage {
	messages := make([]chatMessage, 0, len(content.History)+2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range content.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	if len(content.Files) == 0 {
		messages = append(messages, chatMessage{Role: "user", Content: content.Text})
		return messages
	}

	parts := []contentPart{{Type: "text", Text: content.Text}}
	for _, f := range content.Files {
		if f.IsImage() {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURLRef{URL: f.URL}})
			continue
		}
		parts = append(parts, contentPart{Type: "file", File: &fileRef{Filename: f.Filename, FileData: f.URL}})
	}
	return append(messages, chatMessage{Role: "user", Content: parts})
}

// sseChunkStream decodes an OpenAI-style event stream into text deltas.
type sseChunkStream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	delta   string
	text    strings.Builder
	err     error
	done    bool
}

func newSSEChunkStream(body io.ReadCloser, cancel context.CancelFunc) *sseChunkStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &sseChunkStream{body: body, cancel: cancel, scanner: scanner}
}

func (s *sseChunkStream) Next() bool {
	if s.done {
		return false
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return s.finish(nil)
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return s.finish(fmt.Errorf("failed to parse stream chunk: %w", err))
		}
		if chunk.Error != nil {
			return s.finish(fmt.Errorf("provider error: %s", chunk.Error.Message))
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}

		s.delta = chunk.Choices[0].Delta.Content
		s.text.WriteString(s.delta)
		return true
	}

	err := s.scanner.Err()
	switch {
	case err != nil:
	case s.text.Len() == 0:
		err = errors.New("stream ended without output")
	default:
		// Output without the terminator means the connection was cut.
		err = errors.New("stream ended before [DONE]")
	}
	return s.finish(err)
}

func (s *sseChunkStream) finish(err error) bool {
	s.done = true
	s.delta = ""
	s.err = err
	return false
}

func (s *sseChunkStream) Delta() string { return s.delta }
func (s *sseChunkStream) Text() string  { return s.text.String() }
func (s *sseChunkStream) Err() error    { return s.err }

func (s *sseChunkStream) Close() error {
	s.done = true
	err := s.body.Close()
	s.cancel()
	return err
}
