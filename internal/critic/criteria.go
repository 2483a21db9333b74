package critic

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"agentium/internal/types"
)

// checkCriterion dispatches on the metric name to a built-in checker.
// Unknown metrics fall through to the generic boolean check.
func checkCriterion(c types.AcceptanceCriterion, output string) types.CriterionResult {
	res := types.CriterionResult{Metric: c.Metric}
	switch {
	case strings.HasPrefix(c.Metric, "sql_syntax_"):
		res.Passed, res.Detail = checkSQLSyntax(output)
	case c.Metric == "result_not_empty":
		res.Passed = strings.TrimSpace(output) != ""
		if !res.Passed {
			res.Detail = "output is empty"
		}
	case strings.HasPrefix(c.Metric, "length_"):
		res.Passed, res.Detail = checkLength(c, output)
	case strings.HasPrefix(c.Metric, "contains_"):
		res.Passed, res.Detail = checkContains(c, output)
	default:
		res.Passed, res.Detail = checkBoolean(c, output)
	}
	return res
}

var sqlStartRe = regexp.MustCompile(`(?i)^\s*(select|insert|update|delete|create|alter|with|explain|pragma)\b`)

// checkSQLSyntax is a structural sanity check, not a full parser:
// statement keyword, balanced quotes and parentheses.
func checkSQLSyntax(output string) (bool, string) {
	stmt := strings.TrimSpace(output)
	if stmt == "" {
		return false, "no SQL statement found"
	}
	if !sqlStartRe.MatchString(stmt) {
		return false, "output does not start with a SQL statement keyword"
	}
	var parens int
	var inSingle, inDouble bool
	for _, r := range stmt {
		switch r {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '(':
			if !inSingle && !inDouble {
				parens++
			}
		case ')':
			if !inSingle && !inDouble {
				parens--
				if parens < 0 {
					return false, "unbalanced closing parenthesis"
				}
			}
		}
	}
	if parens != 0 {
		return false, "unbalanced parentheses"
	}
	if inSingle || inDouble {
		return false, "unterminated string literal"
	}
	return true, ""
}

// checkLength enforces length_min / length_max character thresholds.
func checkLength(c types.AcceptanceCriterion, output string) (bool, string) {
	n, ok := numericThreshold(c.Threshold)
	if !ok {
		return false, fmt.Sprintf("threshold %v is not numeric", c.Threshold)
	}
	length := len(strings.TrimSpace(output))
	if strings.HasSuffix(c.Metric, "_max") {
		if length > n {
			return false, fmt.Sprintf("length %d exceeds maximum %d", length, n)
		}
		return true, ""
	}
	if length < n {
		return false, fmt.Sprintf("length %d below minimum %d", length, n)
	}
	return true, ""
}

// checkContains requires the threshold string (or the metric suffix
// when the threshold is not a string) to appear in the output.
func checkContains(c types.AcceptanceCriterion, output string) (bool, string) {
	needle, _ := c.Threshold.(string)
	if needle == "" {
		needle = strings.TrimPrefix(c.Metric, "contains_")
	}
	if strings.Contains(strings.ToLower(output), strings.ToLower(needle)) {
		return true, ""
	}
	return false, fmt.Sprintf("output does not contain %q", needle)
}

// checkBoolean treats the criterion as a presence check: a threshold
// of false inverts it.
func checkBoolean(c types.AcceptanceCriterion, output string) (bool, string) {
	want := true
	if b, ok := c.Threshold.(bool); ok {
		want = b
	}
	got := strings.TrimSpace(output) != ""
	if got == want {
		return true, ""
	}
	return false, fmt.Sprintf("%s: expected %v", c.Metric, want)
}

// numericThreshold coerces the JSON-decoded threshold into an int.
func numericThreshold(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}

// EvaluateCriteria runs every criterion against an output regardless of
// specialty routing. Experiment scoring uses it to rank arms.
func EvaluateCriteria(criteria []types.AcceptanceCriterion, output string) ([]types.CriterionResult, int) {
	var results []types.CriterionResult
	passed := 0
	for _, c := range criteria {
		res := checkCriterion(c, output)
		if res.Passed {
			passed++
		}
		results = append(results, res)
	}
	return results, passed
}

// criteriaFor filters a task's acceptance criteria down to the ones a
// critic specialty owns.
func criteriaFor(specialty types.Tier, task *types.Task) []types.AcceptanceCriterion {
	var out []types.AcceptanceCriterion
	for _, c := range task.AcceptanceCriteria {
		tier, err := types.CriticSpecialty(c.Validator)
		if err != nil {
			continue
		}
		if tier == specialty {
			out = append(out, c)
		}
	}
	return out
}
