package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates loaded policies against request inputs. Policies are
// compiled once at load time; Authorize only runs prepared queries.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the builtin policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}
	if err := e.SetPolicies(context.Background(), nil); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPolicies replaces the loaded policy set with the builtins plus the
// given policies. A loaded policy shadows a builtin of the same name.
func (e *Engine) SetPolicies(ctx context.Context, loaded []Policy) error {
	merged := make(map[string]Policy)
	for _, p := range BuiltinPolicies() {
		merged[p.Name] = p
	}
	for _, p := range loaded {
		merged[p.Name] = p
	}

	compiled := make(map[string]*compiledPolicy, len(merged))
	for name, p := range merged {
		cp, err := compilePolicy(ctx, p)
		if err != nil {
			return fmt.Errorf("compile policy %s: %w", name, err)
		}
		compiled[name] = cp
	}

	e.mu.Lock()
	e.policies = compiled
	e.mu.Unlock()

	e.logger.Info().Int("count", len(compiled)).Msg("policies loaded")
	return nil
}

func compilePolicy(ctx context.Context, p Policy) (*compiledPolicy, error) {
	pkg := packageName(p.Rego)
	if pkg == "" {
		return nil, fmt.Errorf("policy has no package declaration")
	}
	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

// packageName extracts the package path from Rego source.
func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "package "))
		}
	}
	return ""
}

// Authorize evaluates every enabled policy against the input. The request
// is allowed unless a blocking violation fires. A policy that fails to
// evaluate produces a warning, not a denial.
func (e *Engine) Authorize(ctx context.Context, input *Input) (*Decision, error) {
	e.mu.RLock()
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	compiled := make([]*compiledPolicy, 0, len(names))
	for _, name := range names {
		compiled = append(compiled, e.policies[name])
	}
	e.mu.RUnlock()

	decision := &Decision{Allowed: true, EvaluatedAt: time.Now().UTC()}
	for _, cp := range compiled {
		if !cp.policy.Enabled {
			continue
		}
		violations, err := evalPolicy(ctx, cp, input)
		if err != nil {
			e.logger.Warn().Err(err).Str("policy", cp.policy.Name).
				Msg("policy evaluation failed")
			decision.Warnings = append(decision.Warnings,
				fmt.Sprintf("policy %s failed to evaluate: %v", cp.policy.Name, err))
			continue
		}
		decision.Violations = append(decision.Violations, violations...)
	}

	for _, v := range decision.Violations {
		if v.Severity.Blocking() {
			decision.Allowed = false
			break
		}
	}
	return decision, nil
}

func evalPolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denied, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denied {
				violations = append(violations, toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// toViolation maps one deny result to a Violation. Rules emit either a
// plain message string or an object with message and optional severity.
func toViolation(p Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch val := result.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// Policies returns the loaded policies sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
