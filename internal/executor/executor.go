// Package executor translates guest action plans into capability calls and
// per-action reports. Capability failures become report data; they never
// abort the remainder of a plan.
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/FossRust/wasi-warden/internal/audit"
	"github.com/FossRust/wasi-warden/internal/capability"
	"github.com/FossRust/wasi-warden/internal/config"
	"github.com/FossRust/wasi-warden/internal/redaction"
	"github.com/FossRust/wasi-warden/wireformat"
)

// Approver is the pre-dispatch policy hook. The shipped implementation
// approves everything policy already grants; an interactive approver can be
// swapped in without touching the dispatch path.
type Approver interface {
	Approve(capability string, input map[string]any) error
}

// PermitGranted is the default approver: it approves every action and leaves
// enforcement to the static policy checks in the capabilities. Explicit grant
// requests (policy.request_capability) are denied by dispatch, not here.
type PermitGranted struct{}

// Approve implements Approver.
func (PermitGranted) Approve(string, map[string]any) error { return nil }

// Executor dispatches actions for one task.
type Executor struct {
	fs      *capability.FS
	proc    *capability.Proc
	browser *capability.Browser
	llm     *capability.LLMClient
	state   *capability.State
	policy  *config.Policy

	schemas  map[string]*jsonschema.Schema
	approver Approver
	redactor *redaction.Redactor
	auditLog *audit.Log
	logger   *slog.Logger

	taskID string
	step   int
}

// Deps wires the executor to its collaborators.
type Deps struct {
	FS       *capability.FS
	Proc     *capability.Proc
	Browser  *capability.Browser
	LLM      *capability.LLMClient
	State    *capability.State
	Policy   *config.Policy
	Approver Approver
	Redactor *redaction.Redactor
	AuditLog *audit.Log
	Logger   *slog.Logger
	TaskID   string
}

// New builds an executor. Schema compilation failure is a programming error
// surfaced at construction.
func New(deps Deps) (*Executor, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	approver := deps.Approver
	if approver == nil {
		approver = PermitGranted{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		fs:       deps.FS,
		proc:     deps.Proc,
		browser:  deps.Browser,
		llm:      deps.LLM,
		state:    deps.State,
		policy:   deps.Policy,
		schemas:  schemas,
		approver: approver,
		redactor: deps.Redactor,
		auditLog: deps.AuditLog,
		logger:   logger,
		taskID:   deps.TaskID,
	}, nil
}

// Execute runs a plan's actions strictly in order, producing exactly one
// report per action in the same position.
func (e *Executor) Execute(ctx context.Context, step int, actions []wireformat.Action) []wireformat.Report {
	e.step = step
	reports := make([]wireformat.Report, 0, len(actions))
	for idx, action := range actions {
		reports = append(reports, e.executeOne(ctx, idx, action))
	}
	return reports
}

func (e *Executor) executeOne(ctx context.Context, idx int, action wireformat.Action) wireformat.Report {
	start := time.Now()
	actionCtx, cancel := context.WithTimeout(ctx, time.Duration(e.policy.Budgets.PerActionMs)*time.Millisecond)
	defer cancel()

	output, err := e.dispatch(actionCtx, action)
	report := wireformat.Report{Capability: action.Capability, Success: err == nil}
	if err != nil {
		report.Error = capability.Detail(err)
	} else {
		report.Output = output
	}
	e.record(idx, action, report, time.Since(start))
	return report
}

// record writes the audit entry for one execution. Secrets in the input are
// redacted before they touch the sink.
func (e *Executor) record(idx int, action wireformat.Action, report wireformat.Report, elapsed time.Duration) {
	outcome := "ok"
	if !report.Success {
		outcome = report.Error.Kind
	}
	var input map[string]any
	if len(action.Input) > 0 {
		_ = json.Unmarshal(action.Input, &input)
	}
	if e.redactor != nil {
		extra := []string{}
		if action.Capability == "browser.type_text" {
			extra = append(extra, "text")
		}
		input = e.redactor.RedactFields(input, extra...)
	}
	entry := audit.Entry{
		Timestamp:  time.Now().UTC(),
		TaskID:     e.taskID,
		Step:       e.step,
		ActionIdx:  idx,
		Capability: action.Capability,
		Input:      input,
		Outcome:    outcome,
		DurationMs: elapsed.Milliseconds(),
	}
	if e.auditLog != nil {
		if err := e.auditLog.Record(entry); err != nil {
			e.logger.Warn("audit write failed", "error", err)
		}
	}
}

// dispatch validates the action input against the capability schema, runs
// the approval hook, resolves aliases, and routes to the capability surface.
func (e *Executor) dispatch(ctx context.Context, action wireformat.Action) (json.RawMessage, error) {
	schema, ok := e.schemas[action.Capability]
	if !ok {
		return nil, capability.NewError(capability.KindSchemaError,
			"unknown capability %q", action.Capability)
	}
	raw := action.Input
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, capability.NewError(capability.KindSchemaError,
			"%s: input is not valid JSON: %v", action.Capability, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return nil, capability.NewError(capability.KindSchemaError,
			"%s: %v", action.Capability, err)
	}
	fields, _ := decoded.(map[string]any)
	if err := e.approver.Approve(action.Capability, fields); err != nil {
		return nil, capability.NewError(capability.KindPermissionDenied,
			"%s: %v", action.Capability, err)
	}

	switch action.Capability {
	case "fs.open_workspace":
		return e.fsOpenWorkspace(action.Alias)
	case "fs.list_dir":
		return e.fsListDir(fields)
	case "fs.read_file":
		return e.fsReadFile(fields)
	case "fs.write_file":
		return e.fsWriteFile(fields)
	case "fs.ensure_dir":
		return e.fsEnsureDir(fields, action.Alias)
	case "fs.remove_file":
		return e.fsRemoveFile(fields)
	case "fs.stat":
		return e.fsStat(fields)
	case "proc.spawn":
		return e.procSpawn(ctx, fields, action.Alias)
	case "proc.wait":
		return e.procWait(ctx, fields)
	case "proc.read_stdout":
		return e.procRead(fields, false)
	case "proc.read_stderr":
		return e.procRead(fields, true)
	case "browser.open_session":
		return e.browserOpenSession(ctx, fields, action.Alias)
	case "browser.goto":
		return e.browserGoto(ctx, fields)
	case "browser.find":
		return e.browserFind(ctx, fields, action.Alias)
	case "browser.click":
		return e.browserClick(ctx, fields)
	case "browser.type_text":
		return e.browserTypeText(ctx, fields)
	case "browser.inner_text":
		return e.browserInnerText(ctx, fields)
	case "browser.describe_page":
		return e.browserDescribePage(ctx, fields)
	case "browser.screenshot":
		return e.browserScreenshot(ctx, fields, action.Alias)
	case "llm.complete":
		return e.llmComplete(ctx, fields)
	case "policy.describe":
		return e.policyDescribe()
	case "policy.request_capability":
		return nil, capability.NewError(capability.KindPermissionDenied,
			"capability grants cannot be requested at runtime")
	}
	return nil, capability.NewError(capability.KindSchemaError,
		"unknown capability %q", action.Capability)
}

// handleField resolves a designated input field (dir, session, element, pid)
// into a concrete handle. Numbers are handles on their face and still go
// through the table on use; strings go through the alias map. A missing
// field defaults to the workspace handle, which only makes sense for dir —
// callers requiring the field mark it required in the schema.
func (e *Executor) handleField(fields map[string]any, name string) (capability.Handle, error) {
	value, ok := fields[name]
	if !ok || value == nil {
		return capability.WorkspaceHandle, nil
	}
	switch v := value.(type) {
	case float64:
		return capability.Handle(v), nil
	case string:
		h, err := e.state.ResolveAlias(v)
		if err != nil {
			return 0, err
		}
		return h, nil
	}
	return 0, capability.NewError(capability.KindSchemaError, "field %q must be a handle or alias", name)
}

func stringField(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}

func boolField(fields map[string]any, name string) bool {
	b, _ := fields[name].(bool)
	return b
}

func intField(fields map[string]any, name string, fallback int64) int64 {
	if v, ok := fields[name].(float64); ok {
		return int64(v)
	}
	return fallback
}

func marshal(value any) (json.RawMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, capability.NewError(capability.KindExternalFailure, "encode output: %v", err)
	}
	return data, nil
}

func (e *Executor) fsOpenWorkspace(alias string) (json.RawMessage, error) {
	h, err := e.fs.OpenWorkspace()
	if err != nil {
		return nil, err
	}
	e.bindAlias(alias, h)
	return marshal(map[string]any{"dir": h})
}

func (e *Executor) fsListDir(fields map[string]any) (json.RawMessage, error) {
	dir, err := e.handleField(fields, "dir")
	if err != nil {
		return nil, err
	}
	entries, capErr := e.fs.ListDir(dir, stringField(fields, "path"))
	if capErr != nil {
		return nil, capErr
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	return marshal(map[string]any{"names": names, "entries": entries})
}

func (e *Executor) fsReadFile(fields map[string]any) (json.RawMessage, error) {
	dir, err := e.handleField(fields, "dir")
	if err != nil {
		return nil, err
	}
	maxBytes := uint64(intField(fields, "max_bytes", 0))
	contents, truncated, capErr := e.fs.ReadFile(dir, stringField(fields, "path"), maxBytes)
	if capErr != nil {
		return nil, capErr
	}
	return marshal(map[string]any{"contents": contents, "truncated": truncated})
}

func (e *Executor) fsWriteFile(fields map[string]any) (json.RawMessage, error) {
	dir, err := e.handleField(fields, "dir")
	if err != nil {
		return nil, err
	}
	if capErr := e.fs.WriteFile(dir, stringField(fields, "path"), stringField(fields, "contents")); capErr != nil {
		return nil, capErr
	}
	return marshal(map[string]any{"written": true})
}

func (e *Executor) fsEnsureDir(fields map[string]any, alias string) (json.RawMessage, error) {
	dir, err := e.handleField(fields, "dir")
	if err != nil {
		return nil, err
	}
	h, capErr := e.fs.EnsureDir(dir, stringField(fields, "path"))
	if capErr != nil {
		return nil, capErr
	}
	e.bindAlias(alias, h)
	return marshal(map[string]any{"dir": h})
}

func (e *Executor) fsRemoveFile(fields map[string]any) (json.RawMessage, error) {
	dir, err := e.handleField(fields, "dir")
	if err != nil {
		return nil, err
	}
	if capErr := e.fs.RemoveFile(dir, stringField(fields, "path")); capErr != nil {
		return nil, capErr
	}
	return marshal(map[string]any{"removed": true})
}

func (e *Executor) fsStat(fields map[string]any) (json.RawMessage, error) {
	dir, err := e.handleField(fields, "dir")
	if err != nil {
		return nil, err
	}
	entry, capErr := e.fs.Stat(dir, stringField(fields, "path"))
	if capErr != nil {
		return nil, capErr
	}
	return marshal(entry)
}

func (e *Executor) procSpawn(ctx context.Context, fields map[string]any, alias string) (json.RawMessage, error) {
	dir, err := e.handleField(fields, "dir")
	if err != nil {
		return nil, err
	}
	var args []string
	if rawArgs, ok := fields["args"].([]any); ok {
		for _, a := range rawArgs {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}
	pid, capErr := e.proc.Spawn(ctx, stringField(fields, "command"), args, dir)
	if capErr != nil {
		return nil, capErr
	}
	e.bindAlias(alias, pid)
	return marshal(map[string]any{"pid": pid})
}

func (e *Executor) procWait(ctx context.Context, fields map[string]any) (json.RawMessage, error) {
	pid, err := e.handleField(fields, "pid")
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(intField(fields, "timeout_ms", e.policy.Budgets.PerActionMs)) * time.Millisecond
	exitCode, capErr := e.proc.Wait(ctx, pid, timeout)
	if capErr != nil {
		return nil, capErr
	}
	stdout, _, _ := e.proc.ReadStdout(pid, 0)
	stderr, _, _ := e.proc.ReadStderr(pid, 0)
	return marshal(map[string]any{"exit_code": exitCode, "stdout": stdout, "stderr": stderr})
}

func (e *Executor) procRead(fields map[string]any, stderr bool) (json.RawMessage, error) {
	pid, err := e.handleField(fields, "pid")
	if err != nil {
		return nil, err
	}
	maxBytes := int(intField(fields, "max_bytes", 0))
	read := e.proc.ReadStdout
	if stderr {
		read = e.proc.ReadStderr
	}
	data, eof, capErr := read(pid, maxBytes)
	if capErr != nil {
		return nil, capErr
	}
	return marshal(map[string]any{"data": data, "eof": eof})
}

func (e *Executor) browserOpenSession(ctx context.Context, fields map[string]any, alias string) (json.RawMessage, error) {
	h, capErr := e.browser.OpenSession(ctx,
		stringField(fields, "profile"),
		headlessDefault(fields),
		boolField(fields, "allow_downloads"))
	if capErr != nil {
		return nil, capErr
	}
	e.bindAlias(alias, h)
	return marshal(map[string]any{"session": h})
}

// headlessDefault: sessions are headless unless the plan says otherwise.
func headlessDefault(fields map[string]any) bool {
	if v, ok := fields["headless"].(bool); ok {
		return v
	}
	return true
}

func (e *Executor) browserGoto(ctx context.Context, fields map[string]any) (json.RawMessage, error) {
	session, err := e.handleField(fields, "session")
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(intField(fields, "timeout_ms", e.policy.Budgets.PerActionMs)) * time.Millisecond
	if capErr := e.browser.Goto(ctx, session, stringField(fields, "url"), timeout); capErr != nil {
		return nil, capErr
	}
	desc, capErr := e.browser.DescribePage(ctx, session, false)
	if capErr != nil {
		return nil, capErr
	}
	return marshal(map[string]any{"url": desc.URL, "title": desc.Title})
}

func (e *Executor) browserFind(ctx context.Context, fields map[string]any, alias string) (json.RawMessage, error) {
	session, err := e.handleField(fields, "session")
	if err != nil {
		return nil, err
	}
	selFields, _ := fields["selector"].(map[string]any)
	sel := capability.Selector{
		Kind:  stringField(selFields, "kind"),
		Value: stringField(selFields, "value"),
	}
	timeout := time.Duration(intField(fields, "timeout_ms", e.policy.Budgets.PerActionMs)) * time.Millisecond
	h, capErr := e.browser.Find(ctx, session, sel, timeout)
	if capErr != nil {
		return nil, capErr
	}
	e.bindAlias(alias, h)
	return marshal(map[string]any{"element": h})
}

func (e *Executor) browserClick(ctx context.Context, fields map[string]any) (json.RawMessage, error) {
	element, err := e.handleField(fields, "element")
	if err != nil {
		return nil, err
	}
	if capErr := e.browser.Click(ctx, element); capErr != nil {
		return nil, capErr
	}
	return marshal(map[string]any{"clicked": true})
}

func (e *Executor) browserTypeText(ctx context.Context, fields map[string]any) (json.RawMessage, error) {
	element, err := e.handleField(fields, "element")
	if err != nil {
		return nil, err
	}
	if capErr := e.browser.TypeText(ctx, element, stringField(fields, "text"), boolField(fields, "submit")); capErr != nil {
		return nil, capErr
	}
	return marshal(map[string]any{"typed": true})
}

func (e *Executor) browserInnerText(ctx context.Context, fields map[string]any) (json.RawMessage, error) {
	element, err := e.handleField(fields, "element")
	if err != nil {
		return nil, err
	}
	text, capErr := e.browser.InnerText(ctx, element)
	if capErr != nil {
		return nil, capErr
	}
	return marshal(map[string]any{"text": text})
}

func (e *Executor) browserDescribePage(ctx context.Context, fields map[string]any) (json.RawMessage, error) {
	session, err := e.handleField(fields, "session")
	if err != nil {
		return nil, err
	}
	desc, capErr := e.browser.DescribePage(ctx, session, boolField(fields, "include_html"))
	if capErr != nil {
		return nil, capErr
	}
	return marshal(desc)
}

func (e *Executor) browserScreenshot(ctx context.Context, fields map[string]any, alias string) (json.RawMessage, error) {
	session, err := e.handleField(fields, "session")
	if err != nil {
		return nil, err
	}
	kind := stringField(fields, "kind")
	if kind == "" {
		kind = "png"
	}
	if capErr := e.browser.Screenshot(ctx, session, kind, alias); capErr != nil {
		return nil, capErr
	}
	return marshal(map[string]any{"stored": alias, "kind": kind})
}

func (e *Executor) llmComplete(ctx context.Context, fields map[string]any) (json.RawMessage, error) {
	content, capErr := e.llm.Complete(ctx, stringField(fields, "prompt"))
	if capErr != nil {
		return nil, capErr
	}
	return marshal(map[string]any{"content": content})
}

func (e *Executor) policyDescribe() (json.RawMessage, error) {
	snapshot := wireformat.PolicyDescribeResponseWire{
		Workspace:      e.policy.Workspace,
		AllowedProc:    e.policy.ProcAllow,
		BrowserEnabled: e.policy.Browser != nil,
		LLMEnabled:     e.llm.Enabled(),
		MaxSteps:       e.policy.Budgets.MaxSteps,
		PerActionMs:    e.policy.Budgets.PerActionMs,
		MaxReadBytes:   e.policy.Budgets.MaxReadBytes,
	}
	return marshal(snapshot)
}

// bindAlias registers a handle-creating action's alias, evicting (and
// closing) any prior binding under the same name.
func (e *Executor) bindAlias(alias string, h capability.Handle) {
	if alias == "" {
		return
	}
	e.state.BindAlias(context.Background(), alias, h)
}
