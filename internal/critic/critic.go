// Package critic implements the three-specialty review engine. A review
// runs a deterministic preflight, the task's acceptance criteria, and
// finally an AI stage on a model orthogonal to the executor. Verdicts
// are deduplicated by output hash and hard rejections feed the case-law
// collection.
package critic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"agentium/internal/adapter"
	"agentium/internal/config"
	"agentium/internal/logging"
	"agentium/internal/store"
	"agentium/internal/types"
)

// Generator is the slice of the model adapter the engine needs.
type Generator interface {
	Generate(ctx context.Context, kind types.ProviderKind, systemPrompt, userMessage string, opts adapter.Options) (*adapter.Result, error)
}

// Engine runs critic reviews.
type Engine struct {
	store *store.Store
	gen   Generator
	cfg   config.CriticConfig

	// Verdict cache keyed by task|hash|tier; the store is the durable
	// copy, this avoids a query on hot retry loops.
	cache *gocache.Cache
}

// NewEngine builds a critic engine.
func NewEngine(st *store.Store, gen Generator, cfg config.CriticConfig) *Engine {
	return &Engine{
		store: st,
		gen:   gen,
		cfg:   cfg,
		cache: gocache.New(30*time.Minute, 10*time.Minute),
	}
}

// HashOutput returns the dedup hash for an output.
func HashOutput(output string) string {
	sum := sha256.Sum256([]byte(output))
	return hex.EncodeToString(sum[:])
}

// aiVerdict is the JSON contract forced on the review model.
type aiVerdict struct {
	Verdict     string `json:"verdict"`
	Reason      string `json:"reason"`
	Suggestions string `json:"suggestions"`
}

const reviewSystemPrompt = `You are a %s critic in a governed agent collective.
Judge only the output in front of you against the task and its criteria.
Reply with exactly one JSON object: {"verdict": "pass"|"reject", "reason": string|null, "suggestions": string|null}.
No prose outside the JSON.`

// Review runs one full review of a task output by the given critic
// agent. The returned review is already persisted.
func (e *Engine) Review(ctx context.Context, critic *types.Agent, task *types.Task, output string) (*types.CritiqueReview, error) {
	if !critic.Tier.IsCritic() {
		return nil, fmt.Errorf("agent %s is not a critic: %w", critic.TierID, types.ErrPermissionDenied)
	}
	specialty := critic.Tier
	hash := HashOutput(output)
	cacheKey := task.ID + "|" + hash + "|" + string(specialty)

	if v, ok := e.cache.Get(cacheKey); ok {
		logging.CriticDebug("cache hit for task %s hash %.8s (%s)", task.ID, hash, specialty)
		return v.(*types.CritiqueReview), nil
	}
	if cached, err := e.store.FindCachedReview(task.ID, hash, specialty); err != nil {
		return nil, err
	} else if cached != nil {
		e.cache.Set(cacheKey, cached, gocache.DefaultExpiration)
		logging.CriticDebug("returning stored verdict %s for task %s (%s)", cached.Verdict, task.ID, specialty)
		return cached, nil
	}

	start := time.Now()
	review := &types.CritiqueReview{
		TaskID:       task.ID,
		CriticTier:   specialty,
		CriticTierID: critic.TierID,
		RetryCount:   task.RetryCount,
		OutputHash:   hash,
	}

	verdict, fromAI, err := e.evaluate(ctx, specialty, task, output, review)
	if err != nil {
		return nil, err
	}
	review.Verdict = verdict
	review.ReviewDurationMS = time.Since(start).Milliseconds()

	// Retry exhaustion converts a reject into an escalation.
	if review.Verdict == types.VerdictReject {
		maxRetries := e.cfg.MaxRetries
		if maxRetries <= 0 {
			maxRetries = types.MaxTaskRetries
		}
		rejects, err := e.store.CountRejects(task.ID)
		if err != nil {
			return nil, err
		}
		if rejects+1 >= maxRetries+1 || task.RetryCount >= maxRetries {
			review.Verdict = types.VerdictEscalate
			logging.Critic("Task %s exhausted %d retries, escalating", task.ID, maxRetries)
		}
	}

	// Consensus protocol: the first AI-stage REJECT of a task triggers
	// a secondary opinion; disagreement records the flag and passes
	// conditionally. Deterministic rejections are never second-guessed.
	if review.Verdict == types.VerdictReject && fromAI && e.cfg.ConsensusOnFail {
		rejects, err := e.store.CountRejects(task.ID)
		if err != nil {
			return nil, err
		}
		if rejects == 0 {
			second, _, err := e.aiStage(ctx, specialty, task, output, true)
			if err == nil && second.Verdict == string(types.VerdictPass) {
				review.ConsensusFailed = true
				review.Verdict = types.VerdictPass
				review.Suggestions = review.RejectionReason
				review.RejectionReason = ""
				logging.Critic("Consensus failure on task %s (%s): conditional PASS", task.ID, specialty)
			}
		}
	}

	if err := e.store.InsertReview(review); err != nil {
		return nil, err
	}
	e.cache.Set(cacheKey, review, gocache.DefaultExpiration)

	e.store.Audit("critic", "agent", critic.TierID, "review_"+strings.ToLower(string(review.Verdict)),
		"task", task.ID, review.RejectionReason)

	if review.Verdict == types.VerdictReject {
		e.embedCaseLaw(task, review)
	}
	logging.Critic("Task %s reviewed by %s: %s (%dms)", task.ID, specialty, review.Verdict, review.ReviewDurationMS)
	return review, nil
}

// evaluate runs the staged checks, filling the review in place and
// returning the raw verdict before retry/consensus adjustment. The
// bool reports whether the verdict came from the AI stage.
func (e *Engine) evaluate(ctx context.Context, specialty types.Tier, task *types.Task, output string, review *types.CritiqueReview) (types.Verdict, bool, error) {
	// Acceptance criteria first: a mandatory failure skips the AI stage.
	mandatoryFailed := false
	var firstFailure string
	for _, c := range criteriaFor(specialty, task) {
		res := checkCriterion(c, output)
		review.CriteriaResults = append(review.CriteriaResults, res)
		if !res.Passed && firstFailure == "" {
			firstFailure = fmt.Sprintf("criterion %s failed: %s", res.Metric, res.Detail)
		}
		if !res.Passed && c.IsMandatory {
			mandatoryFailed = true
		}
	}
	if mandatoryFailed {
		review.RejectionReason = firstFailure
		return types.VerdictReject, false, nil
	}

	if pf := e.preflight(specialty, task, output); !pf.passed {
		review.RejectionReason = pf.reason
		return types.VerdictReject, false, nil
	}

	v, model, err := e.aiStage(ctx, specialty, task, output, false)
	if err != nil {
		return "", false, err
	}
	review.ModelUsed = model
	if v.Verdict == string(types.VerdictReject) {
		review.RejectionReason = v.Reason
		review.Suggestions = v.Suggestions
		return types.VerdictReject, true, nil
	}
	review.Suggestions = v.Suggestions
	return types.VerdictPass, true, nil
}

// aiStage asks the orthogonal critic model for a structured verdict.
// Replies that are not valid JSON default to PASS with a warning.
func (e *Engine) aiStage(ctx context.Context, specialty types.Tier, task *types.Task, output string, secondary bool) (*aiVerdict, string, error) {
	kind := types.ProviderKind(e.cfg.CriticProvider)
	if kind == "" {
		kind = types.ProviderOpenAI
	}
	system := fmt.Sprintf(reviewSystemPrompt, strings.TrimPrefix(string(specialty), "CRITIC_"))
	if secondary {
		system += "\nYou are the secondary reviewer; form your own independent judgment."
	}
	user := fmt.Sprintf("Task: %s\n\nDescription: %s\n\nOutput under review:\n%s", task.Title, task.Description, output)

	res, err := e.gen.Generate(ctx, kind, system, user, adapter.Options{
		Model:    e.cfg.CriticModel,
		JSONOnly: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("critic model call failed: %w", err)
	}

	var v aiVerdict
	if err := json.Unmarshal([]byte(extractJSON(res.Content)), &v); err != nil {
		logging.Get(logging.CategoryCritic).Warn(
			"critic model returned non-JSON for task %s, defaulting to PASS: %.80s", task.ID, res.Content)
		return &aiVerdict{Verdict: string(types.VerdictPass)}, res.Model, nil
	}
	v.Verdict = strings.ToUpper(strings.TrimSpace(v.Verdict))
	if v.Verdict != string(types.VerdictPass) && v.Verdict != string(types.VerdictReject) {
		logging.Get(logging.CategoryCritic).Warn(
			"critic model returned unknown verdict %q for task %s, defaulting to PASS", v.Verdict, task.ID)
		v.Verdict = string(types.VerdictPass)
	}
	return &v, res.Model, nil
}

// extractJSON strips code fences and surrounding prose around the
// first JSON object in a reply.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// embedCaseLaw records a hard rejection for future retrieval.
func (e *Engine) embedCaseLaw(task *types.Task, review *types.CritiqueReview) {
	content := fmt.Sprintf("Task: %s\nRejected by %s: %s\nSuggestions: %s",
		task.Title, review.CriticTier, review.RejectionReason, review.Suggestions)
	err := e.store.UpsertVector(store.CollectionCriticCaseLaw, review.ID, content,
		map[string]interface{}{"task": task.ID, "critic": string(review.CriticTier)})
	if err != nil {
		logging.Get(logging.CategoryCritic).Warn("failed to embed case law for review %s: %v", review.ID, err)
	}
}

// PrecedentsFor retrieves prior rejections similar to a task.
func (e *Engine) PrecedentsFor(task *types.Task, k int) ([]store.VectorHit, error) {
	return e.store.QueryVectors(store.CollectionCriticCaseLaw, task.Title+"\n"+task.Description, k)
}
