package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentium/internal/types"
)

// localStrategy targets local inference servers without role
// separation: system and user prompts are concatenated into a single
// completion prompt.
type localStrategy struct {
	httpClient *http.Client
}

type localRequest struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream,omitempty"`
}

type localResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	// Ollama-style servers reply with a bare response field instead.
	Response string `json:"response"`
	Usage    struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func concatPrompt(systemPrompt, userMessage string) string {
	if strings.TrimSpace(systemPrompt) == "" {
		return userMessage
	}
	return systemPrompt + "\n\n" + userMessage
}

func (s *localStrategy) endpoint(key *types.ProviderKey) string {
	base := key.BaseURL
	if base == "" {
		base = "http://127.0.0.1:8080/v1"
	}
	return strings.TrimRight(base, "/") + "/completions"
}

func (s *localStrategy) complete(ctx context.Context, key *types.ProviderKey, material, systemPrompt, userMessage string, opts Options) (*Result, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.httpClient.Timeout)
		defer cancel()
	}

	model := opts.Model
	if model == "" {
		model = key.DefaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	reqBody := localRequest{
		Model:       model,
		Prompt:      concatPrompt(systemPrompt, userMessage),
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
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
	if material != "" {
		req.Header.Set("Authorization", "Bearer "+material)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var parsed localResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	content := parsed.Response
	finish := "stop"
	if len(parsed.Choices) > 0 {
		content = parsed.Choices[0].Text
		if parsed.Choices[0].FinishReason != "" {
			finish = parsed.Choices[0].FinishReason
		}
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("no completion returned")
	}
	outModel := parsed.Model
	if outModel == "" {
		outModel = model
	}
	tokens := parsed.Usage.TotalTokens
	if tokens == 0 {
		tokens = len(content) / 4
	}
	return &Result{
		Content:      strings.TrimSpace(content),
		TokensUsed:   tokens,
		Model:        outModel,
		FinishReason: finish,
	}, nil
}

// stream on local servers degrades to one full completion delivered as
// a single delta.
func (s *localStrategy) stream(ctx context.Context, key *types.ProviderKey, material, systemPrompt, userMessage string, opts Options) (<-chan string, <-chan error) {
	out := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		res, err := s.complete(ctx, key, material, systemPrompt, userMessage, opts)
		if err != nil {
			errs <- err
			return
		}
		select {
		case out <- res.Content:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()
	return out, errs
}
