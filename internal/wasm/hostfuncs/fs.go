package hostfuncs

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/FossRust/wasi-warden/internal/capability"
	"github.com/FossRust/wasi-warden/wireformat"
)

// FSOpenWorkspace vends the pre-bound workspace directory handle.
// signature: fs_open_workspace(requestPacked) -> responsePacked
func FSOpenWorkspace(ctx context.Context, mod api.Module, stack []uint64) {
	env, ok := EnvFromContext(ctx)
	if !ok {
		stack[0] = writeResponse(ctx, mod, wireformat.FSOpenWorkspaceResponseWire{
			Error: errDetail(capability.NewError(capability.KindExternalFailure, "no task environment")),
		})
		return
	}
	var request wireformat.FSOpenWorkspaceRequestWire
	if capErr := readRequest(mod, stack[0], &request); capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.FSOpenWorkspaceResponseWire{Error: errDetail(capErr)})
		return
	}
	handle, capErr := env.FS.OpenWorkspace()
	if capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.FSOpenWorkspaceResponseWire{Error: errDetail(capErr)})
		return
	}
	stack[0] = writeResponse(ctx, mod, wireformat.FSOpenWorkspaceResponseWire{Dir: uint32(handle)})
}

// FSListDir lists a directory relative to a handle.
// signature: fs_list_dir(requestPacked) -> responsePacked
func FSListDir(ctx context.Context, mod api.Module, stack []uint64) {
	env, ok := EnvFromContext(ctx)
	if !ok {
		stack[0] = writeResponse(ctx, mod, wireformat.FSListDirResponseWire{
			Error: errDetail(capability.NewError(capability.KindExternalFailure, "no task environment")),
		})
		return
	}
	var request wireformat.FSListDirRequestWire
	if capErr := readRequest(mod, stack[0], &request); capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.FSListDirResponseWire{Error: errDetail(capErr)})
		return
	}
	entries, capErr := env.FS.ListDir(capability.Handle(request.Dir), request.Path)
	if capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.FSListDirResponseWire{Error: errDetail(capErr)})
		return
	}
	stack[0] = writeResponse(ctx, mod, wireformat.FSListDirResponseWire{Entries: entries})
}

// FSReadFile reads a bounded, UTF-8 validated file.
// signature: fs_read_file(requestPacked) -> responsePacked
func FSReadFile(ctx context.Context, mod api.Module, stack []uint64) {
	env, ok := EnvFromContext(ctx)
	if !ok {
		stack[0] = writeResponse(ctx, mod, wireformat.FSReadFileResponseWire{
			Error: errDetail(capability.NewError(capability.KindExternalFailure, "no task environment")),
		})
		return
	}
	var request wireformat.FSReadFileRequestWire
	if capErr := readRequest(mod, stack[0], &request); capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.FSReadFileResponseWire{Error: errDetail(capErr)})
		return
	}
	contents, truncated, capErr := env.FS.ReadFile(capability.Handle(request.Dir), request.Path, request.MaxBytes)
	if capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.FSReadFileResponseWire{Error: errDetail(capErr)})
		return
	}
	stack[0] = writeResponse(ctx, mod, wireformat.FSReadFileResponseWire{Contents: contents, Truncated: truncated})
}

// FSWriteFile creates or overwrites a file inside the workspace.
// signature: fs_write_file(requestPacked) -> responsePacked
func FSWriteFile(ctx context.Context, mod api.Module, stack []uint64) {
	env, ok := EnvFromContext(ctx)
	if !ok {
		stack[0] = writeResponse(ctx, mod, wireformat.FSWriteFileResponseWire{
			Error: errDetail(capability.NewError(capability.KindExternalFailure, "no task environment")),
		})
		return
	}
	var request wireformat.FSWriteFileRequestWire
	if capErr := readRequest(mod, stack[0], &request); capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.FSWriteFileResponseWire{Error: errDetail(capErr)})
		return
	}
	if capErr := env.FS.WriteFile(capability.Handle(request.Dir), request.Path, request.Contents); capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.FSWriteFileResponseWire{Error: errDetail(capErr)})
		return
	}
	stack[0] = writeResponse(ctx, mod, wireformat.FSWriteFileResponseWire{Written: uint64(len(request.Contents))})
}
