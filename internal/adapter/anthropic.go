package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentium/internal/types"
)

const anthropicVersion = "2023-06-01"

// anthropicStrategy speaks the native messages API: the system prompt
// is a top-level field, not a message role.
type anthropicStrategy struct {
	httpClient *http.Client
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// anthropicStreamEvent is the subset of SSE events we consume.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *anthropicStrategy) endpoint(key *types.ProviderKey) string {
	base := key.BaseURL
	if base == "" {
		base = "https://api.anthropic.com/v1"
	}
	return strings.TrimRight(base, "/") + "/messages"
}

func (s *anthropicStrategy) buildRequest(key *types.ProviderKey, systemPrompt, userMessage string, opts Options, stream bool) anthropicRequest {
	model := opts.Model
	if model == "" {
		model = key.DefaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return anthropicRequest{
		Model:     model,
		System:    systemPrompt,
		Messages:  []chatMessage{{Role: "user", Content: userMessage}},
		MaxTokens: maxTokens,
		Stream:    stream,
	}
}

func (s *anthropicStrategy) complete(ctx context.Context, key *types.ProviderKey, material, systemPrompt, userMessage string, opts Options) (*Result, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.httpClient.Timeout)
		defer cancel()
	}

	reqBody := s.buildRequest(key, systemPrompt, userMessage, opts, false)

	maxRetries := 3
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint(key), bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", material)
		req.Header.Set("anthropic-version", anthropicVersion)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
		}

		var parsed anthropicResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if parsed.Error != nil {
			return nil, fmt.Errorf("API error: %s", parsed.Error.Message)
		}
		var text strings.Builder
		for _, block := range parsed.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			return nil, fmt.Errorf("no completion returned")
		}
		model := parsed.Model
		if model == "" {
			model = reqBody.Model
		}
		return &Result{
			Content:      strings.TrimSpace(text.String()),
			TokensUsed:   parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
			Model:        model,
			FinishReason: parsed.StopReason,
		}, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *anthropicStrategy) stream(ctx context.Context, key *types.ProviderKey, material, systemPrompt, userMessage string, opts Options) (<-chan string, <-chan error) {
	out := make(chan string, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.httpClient.Timeout)
			defer cancel()
		}

		reqBody := s.buildRequest(key, systemPrompt, userMessage, opts, true)
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			errs <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}
		req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint(key), bytes.NewReader(jsonData))
		if err != nil {
			errs <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", material)
		req.Header.Set("anthropic-version", anthropicVersion)
		req.Header.Set("Accept", "text/event-stream")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- fmt.Errorf("request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			errs <- &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch {
			case ev.Error != nil:
				errs <- fmt.Errorf("API error: %s", ev.Error.Message)
				return
			case ev.Type == "message_stop":
				return
			case ev.Type == "content_block_delta" && ev.Delta.Text != "":
				select {
				case out <- ev.Delta.Text:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- fmt.Errorf("stream error: %w", err)
		}
	}()

	return out, errs
}
