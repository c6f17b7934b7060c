// Package policy gates chat requests with Rego policies evaluated by OPA.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/promptcraft/chat-gateway/internal/config"
)

const query = "[data.promptcraft.policy.allow, data.promptcraft.policy.reason]"

// Input is the document policies see as `input`.
type Input struct {
	User    User    `json:"user"`
	Request Request `json:"request"`
	Time    Time    `json:"time"`
}

type User struct {
	ID     string `json:"id"`
	Tier   string `json:"tier"`
	Method string `json:"method"`
}

type Request struct {
	Model        string   `json:"model"`
	MessageCount int      `json:"message_count"`
	InputChars   int      `json:"input_chars"`
	Stream       bool     `json:"stream"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	// InjectionScore is the highest matched heuristic severity, 0 when clean.
	InjectionScore float64  `json:"injection_score"`
	InjectionRules []string `json:"injection_rules,omitempty"`
}

type Time struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// Decision is the policy verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluator evaluates the loaded policy bundle. A disabled evaluator allows
// everything; an enabled one with nothing loaded denies everything.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.PolicyConfig
}

// NewEvaluator creates a policy evaluator. Call Load() to compile policies.
func NewEvaluator(cfg func() config.PolicyConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

func (e *Evaluator) Enabled() bool { return e.cfg().Enabled }

// Load compiles Rego modules from the bundle path. An empty bundle is an
// error; the evaluator keeps whatever it had loaded before.
func (e *Evaluator) Load() error {
	cfg := e.cfg()
	modules, err := LoadRegoFiles(cfg.BundlePath)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if err := e.LoadFromModules(modules); err != nil {
		return err
	}
	slog.Info("opa policies loaded", "modules", len(modules), "path", cfg.BundlePath)
	return nil
}

// LoadFromModules compiles policies from provided module sources.
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(query)}
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	return nil
}

// Evaluate runs the policy against the given input.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (Decision, error) {
	cfg := e.cfg()
	if !cfg.Enabled {
		return Decision{Allowed: true}, nil
	}

	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		// No policies loaded, fail closed
		return Decision{Reason: "no policies loaded"}, nil
	}

	timeout := cfg.EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return Decision{Reason: "policy evaluation error"}, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Reason: "no policy result"}, nil
	}

	// Result is [allow, reason]
	arr, ok := results[0].Expressions[0].Value.([]any)
	if !ok || len(arr) < 2 {
		return Decision{Reason: "unexpected policy result format"}, nil
	}

	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)
	return Decision{Allowed: allowed, Reason: reason}, nil
}

// NewInput builds the policy input for a request at now.
func NewInput(userID, tier, method string, req Request, now time.Time) Input {
	now = now.UTC()
	return Input{
		User:    User{ID: userID, Tier: tier, Method: method},
		Request: req,
		Time:    Time{Hour: now.Hour(), Day: now.Weekday().String()},
	}
}
