package hostfuncs

import (
	"context"
	"log/slog"

	"github.com/tetratelabs/wazero/api"

	"github.com/FossRust/wasi-warden/wireformat"
)

// LogMessage forwards a guest log line to the host logger.
// signature: log_message(requestPacked) -> ()
func LogMessage(ctx context.Context, mod api.Module, stack []uint64) {
	logger := slog.Default()
	if env, ok := EnvFromContext(ctx); ok && env.Logger != nil {
		logger = env.Logger
	}
	var request wireformat.LogRequestWire
	if capErr := readRequest(mod, stack[0], &request); capErr != nil {
		logger.Warn("unreadable guest log message", "error", capErr)
		return
	}
	level := slog.LevelInfo
	switch request.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger.Log(ctx, level, request.Message, "origin", "guest")
}
