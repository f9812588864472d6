package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles and caches rule conditions. Conditions are CEL boolean
// expressions over the trigger context; compiled programs are cached per
// expression because the same rule runs on every matching event.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator builds the CEL environment rule conditions run in.
// `event` is the trigger context map, `trigger` the event name.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("trigger", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}
	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs a condition against the trigger context. An empty condition
// always holds.
func (e *Evaluator) Evaluate(condition, trigger string, event map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	prg, err := e.program(condition)
	if err != nil {
		return false, err
	}
	if event == nil {
		event = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"event":   event,
		"trigger": trigger,
	})
	if err != nil {
		return false, fmt.Errorf("eval condition: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is %T, not bool", out.Value())
	}
	return val, nil
}

// Check compiles a condition without running it, for validation at
// rule-authoring time.
func (e *Evaluator) Check(condition string) error {
	if condition == "" {
		return nil
	}
	_, err := e.program(condition)
	return err
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("build condition program: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}
