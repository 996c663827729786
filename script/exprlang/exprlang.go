// Package exprlang implements plexus.Executor using the expr expression
// language. Filter rules, transformer steps, and group-by expressions all
// evaluate through it.
package exprlang

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/plexushub/plexus"
)

// Executor compiles scripts once and caches the programs. The cache is keyed
// by source text, so identical rules across connectors share a program.
// Every invocation runs against its own environment; no state crosses
// messages except through the scope's map bindings.
type Executor struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

var _ plexus.Executor = (*Executor)(nil)

// New returns an Executor with an empty program cache.
func New() *Executor {
	return &Executor{cache: make(map[string]*vm.Program)}
}

// Execute compiles script (or reuses a cached program) and runs it against
// the scope bindings.
func (e *Executor) Execute(ctx context.Context, script string, scope plexus.Scope) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	program, err := e.compile(script)
	if err != nil {
		return nil, err
	}
	env := make(map[string]any, len(scope))
	for k, v := range scope {
		env[k] = v
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("exprlang: run: %w", err)
	}
	return out, nil
}

func (e *Executor) compile(script string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[script]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}
	// Undefined variables evaluate to nil instead of failing the compile;
	// which bindings exist depends on the stage the script runs in.
	program, err := expr.Compile(script, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("exprlang: compile: %w", err)
	}
	e.mu.Lock()
	e.cache[script] = program
	e.mu.Unlock()
	return program, nil
}
