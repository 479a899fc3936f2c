package hostfuncs

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/FossRust/wasi-warden/internal/capability"
	"github.com/FossRust/wasi-warden/wireformat"
)

// LLMComplete forwards a prompt to the policy-configured endpoint.
// signature: llm_complete(requestPacked) -> responsePacked
func LLMComplete(ctx context.Context, mod api.Module, stack []uint64) {
	env, ok := EnvFromContext(ctx)
	if !ok {
		stack[0] = writeResponse(ctx, mod, wireformat.LLMResponseWire{
			Error: errDetail(capability.NewError(capability.KindExternalFailure, "no task environment")),
		})
		return
	}
	var request wireformat.LLMRequestWire
	if capErr := readRequest(mod, stack[0], &request); capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.LLMResponseWire{Error: errDetail(capErr)})
		return
	}
	callCtx, cancel := createContextFromWire(ctx, request.Context)
	defer cancel()
	content, capErr := env.LLM.Complete(callCtx, request.Prompt)
	if capErr != nil {
		stack[0] = writeResponse(ctx, mod, wireformat.LLMResponseWire{Error: errDetail(capErr)})
		return
	}
	stack[0] = writeResponse(ctx, mod, wireformat.LLMResponseWire{Content: content})
}

// PolicyDescribe returns the redacted policy snapshot.
// signature: policy_describe(requestPacked) -> responsePacked
func PolicyDescribe(ctx context.Context, mod api.Module, stack []uint64) {
	env, ok := EnvFromContext(ctx)
	if !ok {
		stack[0] = writeResponse(ctx, mod, wireformat.PolicyDescribeResponseWire{
			Error: errDetail(capability.NewError(capability.KindExternalFailure, "no task environment")),
		})
		return
	}
	stack[0] = writeResponse(ctx, mod, wireformat.PolicyDescribeResponseWire{
		Workspace:      env.Policy.Workspace,
		AllowedProc:    env.Policy.ProcAllow,
		BrowserEnabled: env.Policy.Browser != nil,
		LLMEnabled:     env.LLM.Enabled(),
		MaxSteps:       env.Policy.Budgets.MaxSteps,
		PerActionMs:    env.Policy.Budgets.PerActionMs,
		MaxReadBytes:   env.Policy.Budgets.MaxReadBytes,
	})
}
