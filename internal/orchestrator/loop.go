// Package orchestrator drives the sandboxed planner to completion under the
// policy step budget.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/FossRust/wasi-warden/internal/capability"
	"github.com/FossRust/wasi-warden/internal/config"
	"github.com/FossRust/wasi-warden/internal/executor"
	"github.com/FossRust/wasi-warden/wireformat"
)

// Planner is the guest's step contract. The wasm sandbox satisfies it; tests
// substitute fakes.
type Planner interface {
	Step(ctx context.Context, task string, observation string) (string, error)
}

// Result is the outcome of a completed loop.
type Result struct {
	TaskID string          `json:"task_id"`
	Steps  int             `json:"steps"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Loop owns one task's orchestration.
type Loop struct {
	planner Planner
	exec    *executor.Executor
	policy  *config.Policy
	logger  *slog.Logger
	taskID  string
}

// New builds a loop.
func New(planner Planner, exec *executor.Executor, policy *config.Policy, taskID string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{planner: planner, exec: exec, policy: policy, logger: logger, taskID: taskID}
}

// Run executes the plan→act→observe loop. Individual action failures are
// data in the next observation; only protocol-level violations terminate.
// The returned error, when non-nil, is always a *capability.Error whose kind
// maps to the process exit code.
func (l *Loop) Run(ctx context.Context, task string, initialObservation string) (*Result, error) {
	observation, err := normalizeObservation(initialObservation)
	if err != nil {
		return nil, capability.NewError(capability.KindSchemaError,
			"initial observation is not valid JSON: %v", err)
	}

	for step := 0; step < l.policy.Budgets.MaxSteps; step++ {
		raw, err := l.planner.Step(ctx, task, observation)
		if err != nil {
			return nil, capability.NewError(capability.KindGuestTrap, "planner step %d: %v", step, err)
		}

		var plan wireformat.Plan
		if err := json.Unmarshal([]byte(raw), &plan); err != nil {
			return nil, capability.NewError(capability.KindGuestTrap,
				"planner step %d returned malformed plan: %v", step, err)
		}
		if plan.Done {
			l.logger.Info("planner completed task", "task_id", l.taskID, "steps", step+1)
			return &Result{TaskID: l.taskID, Steps: step + 1, Result: plan.Result}, nil
		}
		// The parallel annotation is reserved: the shape parses, the
		// value is rejected.
		if plan.Parallel {
			return nil, capability.NewError(capability.KindSchemaError,
				"planner step %d requested parallel execution, which is not supported", step)
		}
		if len(plan.Actions) == 0 {
			return nil, capability.NewError(capability.KindGuestTrap,
				"planner step %d continued without actions", step)
		}

		l.logger.Debug("executing plan",
			"task_id", l.taskID, "step", step, "actions", len(plan.Actions), "thought", plan.Thought)
		reports := l.exec.Execute(ctx, step, plan.Actions)

		next, err := json.Marshal(wireformat.Observation{Actions: reports})
		if err != nil {
			return nil, capability.NewError(capability.KindExternalFailure,
				"encode observation: %v", err)
		}
		observation = string(next)
	}

	return nil, capability.NewError(capability.KindBudgetExceeded,
		"planner did not complete within %d steps", l.policy.Budgets.MaxSteps)
}

// normalizeObservation validates the caller-supplied initial observation and
// canonicalizes empty input to the empty document.
func normalizeObservation(input string) (string, error) {
	if input == "" {
		return "{}", nil
	}
	var value any
	if err := json.Unmarshal([]byte(input), &value); err != nil {
		return "", err
	}
	return input, nil
}
