package wasm

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/FossRust/wasi-warden/internal/capability"
	"github.com/FossRust/wasi-warden/internal/wasm/hostfuncs"
)

// Sandbox owns exactly one guest instantiation and its per-task capability
// state. It is created at loop start, used by one orchestration loop, and
// destroyed at loop end. Dropping it releases every external resource the
// task acquired.
type Sandbox struct {
	module api.Module
	env    *hostfuncs.Env
	state  *capability.State

	stepTimeout time.Duration

	// Captured guest stdio. The guest gets no host terminal.
	stdout bytes.Buffer
	stderr bytes.Buffer

	// extraCleanup runs during Close, after capability teardown (browser
	// allocator release).
	extraCleanup []func()
}

// SandboxOptions configures one task's sandbox.
type SandboxOptions struct {
	TaskID      string
	Workspace   string // canonical workspace root, mounted at guest "/"
	Env         *hostfuncs.Env
	State       *capability.State
	StepTimeout time.Duration
}

// NewSandbox instantiates a fresh guest with zero ambient authority: no host
// environment variables, no preopen beyond the workspace root at "/", no
// sockets (wazero offers none to instantiate), captured stdio, and only the
// monotonic clock.
func (r *Runtime) NewSandbox(ctx context.Context, opts SandboxOptions) (*Sandbox, error) {
	sandbox := &Sandbox{
		env:         opts.Env,
		state:       opts.State,
		stepTimeout: opts.StepTimeout,
	}

	moduleCfg := wazero.NewModuleConfig().
		WithName(opts.TaskID).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(opts.Workspace, "/")).
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader).
		WithStdout(&sandbox.stdout).
		WithStderr(&sandbox.stderr)

	instCtx := hostfuncs.WithEnv(ctx, opts.Env)
	module, err := r.runtime.InstantiateModule(instCtx, r.compiled, moduleCfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate guest: %w", err)
	}
	sandbox.module = module

	if initFn := module.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(instCtx); err != nil {
			_ = module.Close(ctx)
			return nil, fmt.Errorf("guest _initialize: %w", err)
		}
	}
	return sandbox, nil
}

// OnClose registers extra cleanup to run at teardown, after the capability
// state has been released.
func (s *Sandbox) OnClose(fn func()) {
	s.extraCleanup = append(s.extraCleanup, fn)
}

// Step invokes the guest's step export with the task and observation and
// returns the raw plan JSON. Any trap, deadline, or ABI violation surfaces
// as an error; the orchestration loop treats those as terminal.
func (s *Sandbox) Step(ctx context.Context, task string, observation string) (string, error) {
	stepFn := s.module.ExportedFunction("step")
	if stepFn == nil {
		return "", fmt.Errorf("guest does not export step()")
	}

	callCtx := hostfuncs.WithEnv(ctx, s.env)
	if s.stepTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, s.stepTimeout)
		defer cancel()
	}

	taskPacked, err := s.writeGuestString(callCtx, task)
	if err != nil {
		return "", err
	}
	defer s.deallocate(callCtx, taskPacked)
	obsPacked, err := s.writeGuestString(callCtx, observation)
	if err != nil {
		return "", err
	}
	defer s.deallocate(callCtx, obsPacked)

	results, err := stepFn.Call(callCtx, taskPacked, obsPacked)
	if err != nil {
		return "", fmt.Errorf("guest step trapped: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("guest step returned no result")
	}
	ptr, length := hostfuncs.UnpackPtrLen(results[0])
	if ptr == 0 || length == 0 {
		return "", fmt.Errorf("guest step returned a null plan")
	}
	defer s.deallocate(callCtx, results[0])

	data, ok := s.module.Memory().Read(ptr, length)
	if !ok {
		return "", fmt.Errorf("guest step result out of bounds at %d+%d", ptr, length)
	}
	plan := make([]byte, length)
	copy(plan, data)
	return string(plan), nil
}

// writeGuestString copies a string into guest memory via the guest's
// allocate export and returns the packed ptr+len.
func (s *Sandbox) writeGuestString(ctx context.Context, value string) (uint64, error) {
	allocate := s.module.ExportedFunction("allocate")
	if allocate == nil {
		return 0, fmt.Errorf("guest does not export allocate()")
	}
	results, err := allocate.Call(ctx, uint64(len(value)))
	if err != nil {
		return 0, fmt.Errorf("guest allocate: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("guest allocate returned null")
	}
	ptr := uint32(results[0])
	if !s.module.Memory().Write(ptr, []byte(value)) {
		return 0, fmt.Errorf("write to guest memory at %d failed", ptr)
	}
	return hostfuncs.PackPtrLen(ptr, uint32(len(value))), nil
}

// deallocate is best-effort: a guest without a deallocate export leaks its
// own arena, which dies with the sandbox anyway.
func (s *Sandbox) deallocate(ctx context.Context, packed uint64) {
	deallocateFn := s.module.ExportedFunction("deallocate")
	if deallocateFn == nil {
		return
	}
	ptr, length := hostfuncs.UnpackPtrLen(packed)
	_, _ = deallocateFn.Call(ctx, uint64(ptr), uint64(length))
}

// GuestOutput returns whatever the guest wrote to its captured stdio.
func (s *Sandbox) GuestOutput() (stdout, stderr string) {
	return s.stdout.String(), s.stderr.String()
}

// Close tears the sandbox down: capability state first (browser sessions in
// creation order, child processes), then registered cleanups, then the
// guest instance and its linear memory.
func (s *Sandbox) Close(ctx context.Context) error {
	if s.state != nil {
		s.state.Teardown(ctx)
	}
	for _, fn := range s.extraCleanup {
		fn()
	}
	if s.module != nil {
		return s.module.Close(ctx)
	}
	return nil
}
