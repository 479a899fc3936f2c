// Package wasm hosts the sandboxed planner: a process-global compilation
// environment and per-task sandbox instances with zero ambient authority.
package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/FossRust/wasi-warden/internal/wasm/hostfuncs"
)

// globalCache shares compiled machine code across runtimes in one process.
var globalCache = wazero.NewCompilationCache()

// defaultMemoryLimitMB bounds guest linear memory when the caller does not
// override it.
const defaultMemoryLimitMB = 256

// Runtime is the process-global compilation environment: the guest module
// is validated and compiled once, then instantiated per task.
type Runtime struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	logger   *slog.Logger
}

// NewRuntime loads, validates, and compiles the guest planner artifact.
// Compilation failure is fatal to the host. Guest CPU is bounded per step by
// a deadline with close-on-context-done; memory by a page limit.
func NewRuntime(ctx context.Context, guestPath string, memoryLimitMB int, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if memoryLimitMB <= 0 {
		memoryLimitMB = defaultMemoryLimitMB
	}
	// 1 MB = 16 wasm pages of 64 KiB.
	pages := uint32(memoryLimitMB * 16)

	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(globalCache).
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	// WASI gives the guest clock and random syscalls; filesystem and
	// environment exposure is decided per sandbox in the module config.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	if err := hostfuncs.RegisterHostFunctions(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("register host functions: %w", err)
	}

	wasmBytes, err := os.ReadFile(guestPath)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("load guest module %s: %w", guestPath, err)
	}
	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("compile guest module %s: %w", guestPath, err)
	}
	logger.Debug("guest module compiled", "path", guestPath, "memory_limit_mb", memoryLimitMB)
	return &Runtime{runtime: r, compiled: compiled, logger: logger}, nil
}

// Close releases the runtime and every module instantiated from it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}
