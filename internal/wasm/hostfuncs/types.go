// Package hostfuncs implements the host imports the planner guest may call.
// Every function resolves the per-task capability state through the
// invocation context and answers over the packed ptr+len JSON wire format.
package hostfuncs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/FossRust/wasi-warden/internal/capability"
	"github.com/FossRust/wasi-warden/internal/config"
	"github.com/FossRust/wasi-warden/wireformat"
)

// Env is the per-task capability environment host functions operate on. It
// is attached to the context for the duration of one guest call.
type Env struct {
	FS     *capability.FS
	Proc   *capability.Proc
	LLM    *capability.LLMClient
	Policy *config.Policy
	Logger *slog.Logger
}

type contextKey struct{ name string }

var envKey = &contextKey{name: "warden_env"}

// WithEnv attaches the task environment to a context.
func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey, env)
}

// EnvFromContext retrieves the task environment.
func EnvFromContext(ctx context.Context) (*Env, bool) {
	env, ok := ctx.Value(envKey).(*Env)
	return env, ok
}

// UnpackPtrLen splits a packed u64 into guest pointer and length.
func UnpackPtrLen(packed uint64) (uint32, uint32) {
	return uint32(packed >> 32), uint32(packed & 0xFFFFFFFF)
}

// PackPtrLen combines a guest pointer and length into one u64.
func PackPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// createContextFromWire applies the guest-supplied deadline or timeout to
// the host context.
func createContextFromWire(parent context.Context, wire wireformat.ContextWireFormat) (context.Context, context.CancelFunc) {
	if wire.Cancelled {
		ctx, cancel := context.WithCancel(parent)
		cancel()
		return ctx, cancel
	}
	if wire.Deadline != nil && !wire.Deadline.IsZero() {
		return context.WithDeadline(parent, *wire.Deadline)
	}
	if wire.TimeoutMs > 0 {
		return context.WithTimeout(parent, time.Duration(wire.TimeoutMs)*time.Millisecond)
	}
	return context.WithCancel(parent)
}

// readRequest reads and decodes a guest request from linear memory.
func readRequest(mod api.Module, packed uint64, request any) *capability.Error {
	ptr, length := UnpackPtrLen(packed)
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return capability.NewError(capability.KindGuestTrap,
			"failed to read request from guest memory at %d+%d", ptr, length)
	}
	if err := json.Unmarshal(data, request); err != nil {
		return capability.NewError(capability.KindSchemaError,
			"malformed host call request: %v", err)
	}
	return nil
}

// writeResponse marshals a response, copies it into guest memory via the
// guest's allocate export, and returns the packed ptr+len. A zero return
// means the guest allocator itself failed; the caller has no recovery.
func writeResponse(ctx context.Context, mod api.Module, response any) uint64 {
	data, err := json.Marshal(response)
	if err != nil {
		fallback := wireformat.ErrorDetail{
			Kind:    string(capability.KindExternalFailure),
			Message: "failed to marshal host response",
		}
		data, _ = json.Marshal(map[string]any{"error": &fallback})
	}
	allocate := mod.ExportedFunction("allocate")
	if allocate == nil {
		return 0
	}
	results, err := allocate.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if ptr == 0 || !mod.Memory().Write(ptr, data) {
		return 0
	}
	return PackPtrLen(ptr, uint32(len(data)))
}

func errDetail(err error) *wireformat.ErrorDetail {
	return capability.Detail(err)
}
