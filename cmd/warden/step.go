package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/FossRust/wasi-warden/internal/audit"
	"github.com/FossRust/wasi-warden/internal/capability"
	"github.com/FossRust/wasi-warden/internal/config"
	"github.com/FossRust/wasi-warden/internal/executor"
	"github.com/FossRust/wasi-warden/internal/orchestrator"
	"github.com/FossRust/wasi-warden/internal/redaction"
	"github.com/FossRust/wasi-warden/internal/wasm"
	"github.com/FossRust/wasi-warden/internal/wasm/hostfuncs"
)

var (
	stepTask        string
	stepObservation string
	stepGuestModule string
)

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Run one task through the sandboxed planner loop",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStep(cmd.Context())
	},
}

func init() {
	stepCmd.Flags().StringVar(&stepTask, "task", "", "task description supplied to the planner")
	stepCmd.Flags().StringVar(&stepObservation, "obs", "{}", "JSON initial observation")
	stepCmd.Flags().StringVar(&stepGuestModule, "guest", "", "path to the compiled planner module (overrides guest.module)")
	_ = stepCmd.MarkFlagRequired("task")
	rootCmd.AddCommand(stepCmd)
}

// taskSummary is the single JSON document printed on loop exit.
type taskSummary struct {
	TaskID string            `json:"task_id"`
	Status string            `json:"status"`
	Steps  int               `json:"steps,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *taskSummaryError `json:"error,omitempty"`
}

type taskSummaryError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func runStep(ctx context.Context) error {
	policy, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	guestModule := policy.GuestModule
	if stepGuestModule != "" {
		guestModule = stepGuestModule
	}
	if guestModule == "" {
		return fmt.Errorf("no guest module configured (set guest.module or pass --guest)")
	}

	taskID := uuid.NewString()
	logger := slog.Default().With("task_id", taskID)

	auditLog, err := audit.Open(policy.AuditPath)
	if err != nil {
		return err
	}
	defer auditLog.Close()
	redactor, err := redaction.New()
	if err != nil {
		return err
	}

	runtime, err := wasm.NewRuntime(ctx, guestModule, 0, logger)
	if err != nil {
		return err
	}
	defer runtime.Close(ctx)

	state := capability.NewState(policy.Workspace, logger)
	fs := capability.NewFS(state, policy.Workspace, policy.Budgets.MaxReadBytes)
	proc := capability.NewProc(state, policy.ProcAllow)
	llm := capability.NewLLMClient(policy.LLM.Endpoint, policy.LLM.Model, policy.LLM.APIKey)

	var driver capability.Driver
	var driverCancel context.CancelFunc
	if policy.Browser != nil {
		driver, driverCancel = capability.NewCDPDriver(ctx, policy.Browser.WebDriverURL, logger)
	}
	defaultProfile := ""
	if policy.Browser != nil {
		defaultProfile = policy.Browser.DefaultProfile
	}
	browser := capability.NewBrowser(state, driver, defaultProfile)

	exec, err := executor.New(executor.Deps{
		FS:       fs,
		Proc:     proc,
		Browser:  browser,
		LLM:      llm,
		State:    state,
		Policy:   policy,
		Redactor: redactor,
		AuditLog: auditLog,
		Logger:   logger,
		TaskID:   taskID,
	})
	if err != nil {
		return err
	}

	sandbox, err := runtime.NewSandbox(ctx, wasm.SandboxOptions{
		TaskID:    taskID,
		Workspace: policy.Workspace,
		Env: &hostfuncs.Env{
			FS:     fs,
			Proc:   proc,
			LLM:    llm,
			Policy: policy,
			Logger: logger,
		},
		State:     state,
		// The per-step deadline is the CPU bound on guest planning.
		StepTimeout: time.Duration(policy.Budgets.PerActionMs) * time.Millisecond,
	})
	if err != nil {
		if driverCancel != nil {
			driverCancel()
		}
		return fmt.Errorf("sandbox: %w", err)
	}
	if driverCancel != nil {
		sandbox.OnClose(driverCancel)
	}
	defer func() {
		if err := sandbox.Close(ctx); err != nil {
			logger.Warn("sandbox teardown failed", "error", err)
		}
	}()

	loop := orchestrator.New(sandbox, exec, policy, taskID, logger)
	result, err := loop.Run(ctx, stepTask, stepObservation)
	if err != nil {
		kind := capability.KindOf(err)
		printSummary(taskSummary{
			TaskID: taskID,
			Status: "failed",
			Error:  &taskSummaryError{Kind: string(kind), Message: err.Error()},
		})
		code := 2
		if kind == capability.KindBudgetExceeded {
			code = 1
		}
		return &exitCodeError{code: code, err: err}
	}

	printSummary(taskSummary{
		TaskID: taskID,
		Status: "complete",
		Steps:  result.Steps,
		Result: result.Result,
	})
	return nil
}

func printSummary(summary taskSummary) {
	encoder := json.NewEncoder(os.Stdout)
	if err := encoder.Encode(summary); err != nil {
		slog.Warn("failed to print task summary", "error", err)
	}
}
