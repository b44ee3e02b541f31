// Package assertions evaluates post-run checks: expr-lang boolean
// expressions and measured-versus-threshold limits.
package assertions

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ormasoftchile/tollgate/pkg/schema"
)

// Result is the outcome of one check.
type Result struct {
	Type     string `json:"type"` // expr, limit, matches
	Name     string `json:"name"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
	Skipped  bool   `json:"skipped,omitempty"`
	Message  string `json:"message"`
}

// Env is what checks can see. Measured values below zero are unavailable
// samples.
type Env struct {
	Measured   map[string]float64
	Metrics    map[string]string
	Thresholds map[string]int64
}

// vars builds the expression environment:
//
//	measured.<key>    float
//	metrics.<key>     float, for numeric metrics
//	labels.<key>      string, every metric verbatim
//	thresholds.<key>  float
func (e Env) vars() map[string]any {
	measured := make(map[string]float64, len(e.Measured))
	for k, v := range e.Measured {
		measured[k] = v
	}
	metrics := make(map[string]float64, len(e.Metrics))
	labels := make(map[string]string, len(e.Metrics))
	for k, v := range e.Metrics {
		labels[k] = v
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			metrics[k] = f
		}
	}
	thresholds := make(map[string]float64, len(e.Thresholds))
	for k, v := range e.Thresholds {
		thresholds[k] = float64(v)
	}
	return map[string]any{
		"measured":   measured,
		"metrics":    metrics,
		"labels":     labels,
		"thresholds": thresholds,
	}
}

// Check is a compiled boolean expression.
type Check struct {
	Name    string
	Expr    string
	program *vm.Program
}

// Compile compiles a single expression.
func Compile(name, exprStr string) (*Check, error) {
	program, err := expr.Compile(exprStr, expr.Env(Env{}.vars()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile check %q: %w", name, err)
	}
	return &Check{Name: name, Expr: exprStr, program: program}, nil
}

// CompileChecks compiles every check of a scenario.
func CompileChecks(defs []schema.Check) ([]*Check, error) {
	checks := make([]*Check, 0, len(defs))
	for _, d := range defs {
		c, err := Compile(d.Name, d.Expr)
		if err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}
	return checks, nil
}

// Evaluate runs the check against env.
func (c *Check) Evaluate(env Env) *Result {
	r := &Result{Type: "expr", Name: c.Name, Expected: c.Expr}
	output, err := expr.Run(c.program, env.vars())
	if err != nil {
		r.Message = fmt.Sprintf("eval %q: %v", c.Expr, err)
		return r
	}
	passed, ok := output.(bool)
	if !ok {
		r.Message = fmt.Sprintf("check %q did not return bool (got %T: %v)", c.Expr, output, output)
		return r
	}
	r.Passed = passed
	r.Actual = strconv.FormatBool(passed)
	if passed {
		r.Message = fmt.Sprintf("%s holds", c.Expr)
	} else {
		r.Message = fmt.Sprintf("%s does not hold", c.Expr)
	}
	return r
}

// EvalLimit checks measured[measuredKey] <= thresholds[thresholdKey]. A
// missing threshold or an unavailable sample skips the check.
func EvalLimit(measuredKey, thresholdKey string, env Env) *Result {
	r := &Result{Type: "limit", Name: measuredKey + " <= " + thresholdKey}
	limit, ok := env.Thresholds[thresholdKey]
	if !ok {
		r.Passed, r.Skipped = true, true
		r.Message = fmt.Sprintf("no threshold %q for this version", thresholdKey)
		return r
	}
	r.Expected = strconv.FormatInt(limit, 10)

	v, ok := env.Measured[measuredKey]
	if !ok || v < 0 {
		r.Passed, r.Skipped = true, true
		r.Message = fmt.Sprintf("%s unavailable", measuredKey)
		return r
	}
	r.Actual = strconv.FormatFloat(v, 'f', -1, 64)
	r.Passed = v <= float64(limit)
	if r.Passed {
		r.Message = fmt.Sprintf("%s %s <= %d", measuredKey, r.Actual, limit)
	} else {
		r.Message = fmt.Sprintf("%s %s exceeds %s %d", measuredKey, r.Actual, thresholdKey, limit)
	}
	return r
}

// EvalLimits evaluates limits in measured-key order.
func EvalLimits(limits map[string]string, env Env) []*Result {
	keys := make([]string, 0, len(limits))
	for k := range limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	results := make([]*Result, 0, len(keys))
	for _, k := range keys {
		results = append(results, EvalLimit(k, limits[k], env))
	}
	return results
}

// Evaluate runs limits then checks.
func Evaluate(checks []*Check, limits map[string]string, env Env) []*Result {
	results := EvalLimits(limits, env)
	for _, c := range checks {
		results = append(results, c.Evaluate(env))
	}
	return results
}

// AllPassed reports whether every result passed.
func AllPassed(results []*Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// EvalMatches checks if output matches the regex pattern.
func EvalMatches(output, pattern string) *Result {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return &Result{
			Type:     "matches",
			Expected: pattern,
			Actual:   truncate(output, 200),
			Message:  fmt.Sprintf("invalid regex: %v", err),
		}
	}
	passed := re.MatchString(output)
	msg := fmt.Sprintf("output matches /%s/", pattern)
	if !passed {
		msg = fmt.Sprintf("output does not match /%s/", pattern)
	}
	return &Result{
		Type:     "matches",
		Expected: pattern,
		Actual:   truncate(output, 200),
		Passed:   passed,
		Message:  msg,
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
