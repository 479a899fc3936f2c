// Package wireformat defines the JSON wire format structures exchanged
// between the warden host and the sandboxed planner guest. These types are
// the ABI contract and must remain stable and backward compatible.
package wireformat

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContextWireFormat carries context.Context semantics across the sandbox
// boundary for host imports invoked by the guest.
type ContextWireFormat struct {
	Deadline  *time.Time `json:"deadline,omitempty"`
	TimeoutMs int64      `json:"timeout_ms,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Cancelled bool       `json:"cancelled,omitempty"`
}

// Plan is the envelope the guest returns from step(). Exactly one of the two
// forms is valid: Done=false with Actions (Continue), or Done=true with an
// optional Result (Complete).
type Plan struct {
	Done    bool            `json:"done"`
	Thought string          `json:"thought,omitempty"`
	Actions []Action        `json:"actions,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	// Parallel is reserved. The host parses it and rejects true.
	Parallel bool `json:"parallel,omitempty"`
}

// Action is a single guest-requested capability invocation.
type Action struct {
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input"`
	Alias      string          `json:"alias,omitempty"`
}

// Report is the per-action outcome delivered back to the guest.
type Report struct {
	Capability string          `json:"capability"`
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *ErrorDetail    `json:"error,omitempty"`
}

// Observation is the document the host feeds to each step() call.
type Observation struct {
	Actions []Report `json:"actions"`
	Cursor  string   `json:"cursor,omitempty"`
}

// ErrorDetail is the structured error shape shared by reports and host
// import responses. Kind is one of the closed error-kind enumeration
// (PermissionDenied, NotFound, EncodingError, SchemaError, UnknownAlias,
// UnknownHandle, Timeout, ExternalFailure, BudgetExceeded, GuestTrap).
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// LLMRequestWire is the guest→host request for llm_complete.
type LLMRequestWire struct {
	Context ContextWireFormat `json:"context"`
	Prompt  string            `json:"prompt"`
}

// LLMResponseWire is the host→guest response for llm_complete.
type LLMResponseWire struct {
	Content string       `json:"content,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// LogRequestWire is the guest→host payload for log_message.
type LogRequestWire struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// FSOpenWorkspaceRequestWire requests the pre-vended workspace handle.
type FSOpenWorkspaceRequestWire struct {
	Context ContextWireFormat `json:"context"`
}

// FSOpenWorkspaceResponseWire returns the workspace directory handle.
type FSOpenWorkspaceResponseWire struct {
	Dir   uint32       `json:"dir"`
	Error *ErrorDetail `json:"error,omitempty"`
}

// FSListDirRequestWire lists a directory relative to a handle.
type FSListDirRequestWire struct {
	Context ContextWireFormat `json:"context"`
	Dir     uint32            `json:"dir"`
	Path    string            `json:"path"`
}

// DirEntryWire is one directory entry.
type DirEntryWire struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"` // file, directory, symlink, other
	SizeBytes  uint64 `json:"size_bytes"`
	ModifiedMs uint64 `json:"modified_ms,omitempty"`
}

// FSListDirResponseWire carries the listing.
type FSListDirResponseWire struct {
	Entries []DirEntryWire `json:"entries,omitempty"`
	Error   *ErrorDetail   `json:"error,omitempty"`
}

// FSReadFileRequestWire reads a file relative to a handle.
type FSReadFileRequestWire struct {
	Context  ContextWireFormat `json:"context"`
	Dir      uint32            `json:"dir"`
	Path     string            `json:"path"`
	MaxBytes uint64            `json:"max_bytes,omitempty"`
}

// FSReadFileResponseWire carries file contents.
type FSReadFileResponseWire struct {
	Contents  string       `json:"contents,omitempty"`
	Truncated bool         `json:"truncated,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// FSWriteFileRequestWire creates or overwrites a file.
type FSWriteFileRequestWire struct {
	Context  ContextWireFormat `json:"context"`
	Dir      uint32            `json:"dir"`
	Path     string            `json:"path"`
	Contents string            `json:"contents"`
}

// FSWriteFileResponseWire acknowledges a write.
type FSWriteFileResponseWire struct {
	Written uint64       `json:"written"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// ProcSpawnRequestWire spawns an allowlisted command.
type ProcSpawnRequestWire struct {
	Context ContextWireFormat `json:"context"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     uint32            `json:"dir"`
}

// ProcSpawnResponseWire returns the process handle.
type ProcSpawnResponseWire struct {
	Pid   uint32       `json:"pid"`
	Error *ErrorDetail `json:"error,omitempty"`
}

// ProcWaitRequestWire waits for a spawned process.
type ProcWaitRequestWire struct {
	Context   ContextWireFormat `json:"context"`
	Pid       uint32            `json:"pid"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
}

// ProcWaitResponseWire carries the exit status.
type ProcWaitResponseWire struct {
	ExitCode int          `json:"exit_code"`
	Stdout   string       `json:"stdout,omitempty"`
	Stderr   string       `json:"stderr,omitempty"`
	Error    *ErrorDetail `json:"error,omitempty"`
}

// PolicyDescribeResponseWire is the redacted policy snapshot returned to the
// guest. It never contains credentials.
type PolicyDescribeResponseWire struct {
	Workspace      string       `json:"workspace"`
	AllowedProc    []string     `json:"allowed_proc,omitempty"`
	BrowserEnabled bool         `json:"browser_enabled"`
	LLMEnabled     bool         `json:"llm_enabled"`
	MaxSteps       int          `json:"max_steps"`
	PerActionMs    int64        `json:"per_action_ms"`
	MaxReadBytes   uint64       `json:"max_read_bytes"`
	Error          *ErrorDetail `json:"error,omitempty"`
}
