// Package adapter exposes a uniform generate/stream contract over the
// supported model providers. Three wire strategies cover every kind:
// OpenAI-compatible chat completions (base-URL indirection handles
// openrouter, zai and friends), native Anthropic messages, and a local
// fallback for servers without role separation. Key selection, health
// and spend accounting route through the provider manager.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"agentium/internal/config"
	"agentium/internal/logging"
	"agentium/internal/provider"
	"agentium/internal/types"
)

// Options tune a single generate call.
type Options struct {
	Model       string  // override the key's default model
	MaxTokens   int     // 0 = strategy default
	Temperature float64 // 0 = strategy default
	JSONOnly    bool    // request a JSON object response where supported
	CostPer1K   float64 // USD per 1000 tokens, for budget accounting
}

// Result is the uniform completion contract.
type Result struct {
	Content      string `json:"content"`
	TokensUsed   int    `json:"tokens_used"`
	LatencyMS    int64  `json:"latency_ms"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
}

// strategy is one provider wire protocol.
type strategy interface {
	complete(ctx context.Context, key *types.ProviderKey, material string, systemPrompt, userMessage string, opts Options) (*Result, error)
	stream(ctx context.Context, key *types.ProviderKey, material string, systemPrompt, userMessage string, opts Options) (<-chan string, <-chan error)
}

// Adapter dispatches generate calls per provider kind.
type Adapter struct {
	keys *provider.Manager
	cfg  config.ProvidersConfig

	openai    strategy
	anthropic strategy
	local     strategy

	fallbacks []types.ProviderKind
}

// New builds the adapter over a key manager.
func New(keys *provider.Manager, cfg config.ProvidersConfig) *Adapter {
	client := &http.Client{Timeout: cfg.ModelTimeout()}
	var fallbacks []types.ProviderKind
	for _, f := range cfg.FallbackOrder {
		fallbacks = append(fallbacks, types.ProviderKind(f))
	}
	return &Adapter{
		keys:      keys,
		cfg:       cfg,
		openai:    &openAIStrategy{httpClient: client},
		anthropic: &anthropicStrategy{httpClient: client},
		local:     &localStrategy{httpClient: client},
		fallbacks: fallbacks,
	}
}

// strategyFor picks the wire protocol for a provider kind. Everything
// that is not Anthropic or local speaks the OpenAI chat surface.
func (a *Adapter) strategyFor(kind types.ProviderKind) strategy {
	switch kind {
	case types.ProviderAnthropic:
		return a.anthropic
	case types.ProviderLocal:
		return a.local
	default:
		return a.openai
	}
}

// estimateTokens is the rough 4-chars-per-token heuristic used only
// for pre-call budget checks. Real usage comes back from the provider.
func estimateTokens(system, user string) int {
	return (len(system) + len(user)) / 4
}

// Generate runs one completion against the healthiest key for kind,
// recording spend on success and failure state on error. A cancelled
// context releases the key without recording spend or a failure.
func (a *Adapter) Generate(ctx context.Context, kind types.ProviderKind, systemPrompt, userMessage string, opts Options) (*Result, error) {
	estimatedCost := float64(estimateTokens(systemPrompt, userMessage)) / 1000 * opts.CostPer1K

	key, err := a.keys.SelectKey(kind, estimatedCost, a.fallbacks)
	if err != nil {
		return nil, err
	}
	material, err := a.keys.Material(key)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal key material: %w", err)
	}

	start := time.Now()
	res, err := a.strategyFor(key.Kind).complete(ctx, key, material, systemPrompt, userMessage, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			logging.AdapterDebug("Generate cancelled for %s after %v", key.Kind, time.Since(start))
			return nil, err
		}
		if recErr := a.keys.RecordFailure(key, isRateLimited(err)); recErr != nil {
			logging.Get(logging.CategoryAdapter).Error("failed to record key failure: %v", recErr)
		}
		return nil, fmt.Errorf("%s generate failed: %w", key.Kind, err)
	}

	res.LatencyMS = time.Since(start).Milliseconds()
	actualCost := float64(res.TokensUsed) / 1000 * opts.CostPer1K
	if recErr := a.keys.RecordSuccess(key, actualCost); recErr != nil {
		logging.Get(logging.CategoryAdapter).Error("failed to record key success: %v", recErr)
	}
	logging.Adapter("%s/%s completed in %dms (%d tokens, %s)",
		key.Kind, res.Model, res.LatencyMS, res.TokensUsed, res.FinishReason)
	return res, nil
}

// StreamGenerate runs one streaming completion, yielding content
// deltas. Errors after stream start surface on the error channel; key
// accounting mirrors Generate.
func (a *Adapter) StreamGenerate(ctx context.Context, kind types.ProviderKind, systemPrompt, userMessage string, opts Options) (<-chan string, <-chan error) {
	out := make(chan string, 100)
	errs := make(chan error, 1)

	estimatedCost := float64(estimateTokens(systemPrompt, userMessage)) / 1000 * opts.CostPer1K
	key, err := a.keys.SelectKey(kind, estimatedCost, a.fallbacks)
	if err != nil {
		errs <- err
		close(out)
		close(errs)
		return out, errs
	}
	material, err := a.keys.Material(key)
	if err != nil {
		errs <- fmt.Errorf("failed to unseal key material: %w", err)
		close(out)
		close(errs)
		return out, errs
	}

	deltas, streamErrs := a.strategyFor(key.Kind).stream(ctx, key, material, systemPrompt, userMessage, opts)

	go func() {
		defer close(out)
		defer close(errs)
		start := time.Now()
		var chars int
		for deltas != nil || streamErrs != nil {
			select {
			case d, ok := <-deltas:
				if !ok {
					deltas = nil
					continue
				}
				chars += len(d)
				select {
				case out <- d:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			case e, ok := <-streamErrs:
				if !ok {
					streamErrs = nil
					continue
				}
				if errors.Is(e, context.Canceled) {
					errs <- e
					return
				}
				if recErr := a.keys.RecordFailure(key, isRateLimited(e)); recErr != nil {
					logging.Get(logging.CategoryAdapter).Error("failed to record key failure: %v", recErr)
				}
				errs <- e
				return
			}
		}
		actualCost := float64(chars/4) / 1000 * opts.CostPer1K
		if recErr := a.keys.RecordSuccess(key, actualCost); recErr != nil {
			logging.Get(logging.CategoryAdapter).Error("failed to record key success: %v", recErr)
		}
		logging.Adapter("%s stream completed in %v (%d chars)", key.Kind, time.Since(start), chars)
	}()

	return out, errs
}

// isRateLimited classifies an error as a 429 for cooldown purposes.
func isRateLimited(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusTooManyRequests
}

// statusError carries the HTTP status of a failed provider call.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.code, e.body)
}
