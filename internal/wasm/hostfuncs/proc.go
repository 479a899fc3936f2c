package hostfuncs

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/FossRust/wasi-warden/internal/capability"
	"github.com/FossRust/wasi-warden/wireformat"
)

// ProcSpawn starts an allowlisted command.
// signature: proc_spawn(requestPacked) -> responsePacked
func ProcSpawn(ctx context.Context, mod api.Module, stack []uint64) {
	env, ok := EnvFromContext(ctx)
	if !ok {
		stack[0] = writeResponse(ctx, mod, wireformat.ProcSpawnResponseWire{
			Error: errDetail(capability.NewError(capability.KindExternalFailure, "no task environment")),
		})
		return
	}
	var request wireformat.ProcSpawnRequestWire
	if capErr := readRequest(mod, stack[0], &request); capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.ProcSpawnResponseWire{Error: errDetail(capErr)})
		return
	}
	callCtx, cancel := createContextFromWire(ctx, request.Context)
	defer cancel()
	dir := capability.Handle(request.Dir)
	if request.Dir == 0 {
		dir = capability.WorkspaceHandle
	}
	pid, capErr := env.Proc.Spawn(callCtx, request.Command, request.Args, dir)
	if capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.ProcSpawnResponseWire{Error: errDetail(capErr)})
		return
	}
	stack[0] = writeResponse(ctx, mod, wireformat.ProcSpawnResponseWire{Pid: uint32(pid)})
}

// ProcWait reaps a spawned process under a timeout.
// signature: proc_wait(requestPacked) -> responsePacked
func ProcWait(ctx context.Context, mod api.Module, stack []uint64) {
	env, ok := EnvFromContext(ctx)
	if !ok {
		stack[0] = writeResponse(ctx, mod, wireformat.ProcWaitResponseWire{
			Error: errDetail(capability.NewError(capability.KindExternalFailure, "no task environment")),
		})
		return
	}
	var request wireformat.ProcWaitRequestWire
	if capErr := readRequest(mod, stack[0], &request); capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.ProcWaitResponseWire{Error: errDetail(capErr)})
		return
	}
	callCtx, cancel := createContextFromWire(ctx, request.Context)
	defer cancel()
	timeout := time.Duration(request.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(env.Policy.Budgets.PerActionMs) * time.Millisecond
	}
	pid := capability.Handle(request.Pid)
	exitCode, capErr := env.Proc.Wait(callCtx, pid, timeout)
	if capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.ProcWaitResponseWire{Error: errDetail(capErr)})
		return
	}
	stdout, _, _ := env.Proc.ReadStdout(pid, 0)
	stderr, _, _ := env.Proc.ReadStderr(pid, 0)
	stack[0] = writeResponse(ctx, mod, wireformat.ProcWaitResponseWire{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	})
}
