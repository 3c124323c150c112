package policy

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/devenv/pkg/envspec"
	"github.com/openfroyo/devenv/pkg/telemetry"
)

// Options configures an Engine.
type Options struct {
	// DisableBuiltins skips the policies returned by GetBuiltinPolicies.
	DisableBuiltins bool

	// Paths are files or directories of .rego and .json policies.
	Paths []string

	// Events receives policy.violation and policy.warning events. Optional.
	Events *telemetry.EventPublisher
}

// Engine evaluates Rego policies against environment specs. It implements
// engine.SpecChecker.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	opts     Options
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies and any
// policies found under opts.Paths.
func NewEngine(ctx context.Context, logger zerolog.Logger, opts Options) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		opts:     opts,
	}

	if err := e.load(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) load(ctx context.Context) error {
	if !e.opts.DisableBuiltins {
		if err := e.loadBuiltinPolicies(ctx); err != nil {
			return fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}
	if len(e.opts.Paths) > 0 {
		policies, err := NewLoader(e.logger).LoadFromPaths(ctx, e.opts.Paths)
		if err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
		for i := range policies {
			if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
				return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
			}
		}
	}
	return nil
}

// Evaluate runs every enabled policy against spec.
func (e *Engine) Evaluate(ctx context.Context, spec *envspec.EnvironmentSpec) (*Result, error) {
	if spec == nil {
		return nil, fmt.Errorf("spec cannot be nil")
	}

	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	hostname, _ := os.Hostname()
	input := &Input{
		Environment: spec,
		Context: InputContext{
			User:      os.Getenv("USER"),
			Hostname:  hostname,
			Timestamp: start.UTC(),
		},
	}

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("environment", spec.Name).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(start)
	e.logger.Debug().
		Str("environment", spec.Name).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// CheckSpec rejects specs with error or critical violations. Warnings are
// logged.
func (e *Engine) CheckSpec(ctx context.Context, spec *envspec.EnvironmentSpec) error {
	result, err := e.Evaluate(ctx, spec)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("environment", spec.Name).
			Str("policy", w.Policy).
			Str("field", w.Field).
			Msg(w.Message)
		_ = e.opts.Events.PublishPolicyWarning(spec.Name, w.Policy, w.Message)
	}
	for _, v := range result.Violations {
		_ = e.opts.Events.PublishPolicyViolation(spec.Name, v.Policy, v.Message)
	}

	if !result.Allowed {
		return &ViolationError{Environment: spec.Name, Violations: result.Violations}
	}
	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Field != violations[j].Field {
			return violations[i].Field < violations[j].Field
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation converts one deny entry. Entries are either a message
// string or an object with message, severity and field keys.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && Severity(sev).Validate() == nil {
			violation.Severity = Severity(sev)
		}
		if field, ok := v["field"].(string); ok {
			violation.Field = field
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy compiles a policy and stores it, replacing any
// policy with the same name.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	if err := policy.Severity.Validate(); err != nil {
		return err
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies compiles the policies found under paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.replace(ctx, policies)
}

func (e *Engine) replace(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReloadPolicies drops every policy and loads them again from the
// configured sources.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.policies
	e.policies = make(map[string]*compiledPolicy)
	if err := e.load(ctx); err != nil {
		e.policies = old
		return err
	}
	return nil
}

// WatchPolicies reloads the configured policy paths whenever a policy file
// changes, until ctx is cancelled.
func (e *Engine) WatchPolicies(ctx context.Context) error {
	if len(e.opts.Paths) == 0 {
		return nil
	}
	loader := NewLoader(e.logger)
	if err := loader.Watch(ctx, e.opts.Paths, func([]Policy) error {
		return e.ReloadPolicies(ctx)
	}); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Debug().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
