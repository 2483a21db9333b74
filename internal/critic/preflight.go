package critic

import (
	"fmt"
	"regexp"
	"strings"

	"agentium/internal/types"
)

// denyPatterns are outputs no critic ever lets through, regardless of
// specialty. Matches are case-insensitive.
var denyPatterns = []string{
	"rm -rf /",
	"drop database",
	"truncate table",
	"format c:",
	":(){ :|:& };:",
}

// tracebackMarkers flag raw error dumps masquerading as output.
var tracebackMarkers = []string{
	"traceback (most recent call last)",
	"panic: runtime error",
	"goroutine 1 [running]",
	"segmentation fault",
	"stack overflow at",
}

var wordRe = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]{2,}`)

// preflightResult is a deterministic verdict with a concrete reason.
type preflightResult struct {
	passed bool
	reason string
}

func pass() preflightResult { return preflightResult{passed: true} }

func reject(reason string) preflightResult {
	return preflightResult{passed: false, reason: reason}
}

// preflight runs the rule-based stage: no external calls, failures
// produce an immediate REJECT.
func (e *Engine) preflight(specialty types.Tier, task *types.Task, output string) preflightResult {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return reject("output is empty")
	}

	maxBytes := e.cfg.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if len(output) > maxBytes {
		return reject(fmt.Sprintf("output exceeds %d bytes (%d)", maxBytes, len(output)))
	}

	lower := strings.ToLower(output)
	for _, p := range denyPatterns {
		if strings.Contains(lower, p) {
			return reject(fmt.Sprintf("output contains prohibited pattern %q", p))
		}
	}
	for _, m := range tracebackMarkers {
		if strings.Contains(lower, m) {
			return reject("output contains an error traceback instead of a result")
		}
	}

	if specialty == types.TierCriticOutput {
		if overlap := keywordOverlap(task.Description, output); overlap == 0 && len(task.Description) > 40 {
			return reject("output shares no keywords with the task description")
		}
	}

	if specialty == types.TierCriticPlan {
		if dup := duplicatePlanStep(output); dup != "" {
			return reject(fmt.Sprintf("plan repeats step %q", dup))
		}
	}

	return pass()
}

// keywordOverlap counts distinct task-description words of three or
// more characters that also appear in the output.
func keywordOverlap(description, output string) int {
	outLower := strings.ToLower(output)
	seen := map[string]bool{}
	n := 0
	for _, w := range wordRe.FindAllString(strings.ToLower(description), -1) {
		if seen[w] {
			continue
		}
		seen[w] = true
		if strings.Contains(outLower, w) {
			n++
		}
	}
	return n
}

// duplicatePlanStep returns the first repeated non-trivial line of a
// plan, or empty when every step is distinct.
func duplicatePlanStep(plan string) string {
	seen := map[string]bool{}
	for _, line := range strings.Split(plan, "\n") {
		step := strings.ToLower(strings.TrimSpace(strings.TrimLeft(line, "0123456789.-*) \t")))
		if len(step) < 8 {
			continue
		}
		if seen[step] {
			return step
		}
		seen[step] = true
	}
	return ""
}
