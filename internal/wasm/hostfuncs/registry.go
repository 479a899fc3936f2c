package hostfuncs

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostModuleName is the wasm import module the guest links against.
const HostModuleName = "warden_host"

// RegisterHostFunctions registers the warden host imports with the wazero
// runtime. Each function takes a packed ptr+len request (i64) and, except
// log_message, returns a packed ptr+len response (i64).
func RegisterHostFunctions(ctx context.Context, runtime wazero.Runtime) error {
	builder := runtime.NewHostModuleBuilder(HostModuleName)

	packed := []api.ValueType{api.ValueTypeI64}

	exports := []struct {
		name string
		fn   api.GoModuleFunc
	}{
		{"fs_open_workspace", FSOpenWorkspace},
		{"fs_list_dir", FSListDir},
		{"fs_read_file", FSReadFile},
		{"fs_write_file", FSWriteFile},
		{"proc_spawn", ProcSpawn},
		{"proc_wait", ProcWait},
		{"llm_complete", LLMComplete},
		{"policy_describe", PolicyDescribe},
	}
	for _, export := range exports {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(export.fn, packed, packed).
			Export(export.name)
	}

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(LogMessage), packed, nil).
		Export("log_message")

	_, err := builder.Instantiate(ctx)
	return err
}
