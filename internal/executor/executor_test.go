package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FossRust/wasi-warden/internal/audit"
	"github.com/FossRust/wasi-warden/internal/capability"
	"github.com/FossRust/wasi-warden/internal/config"
	"github.com/FossRust/wasi-warden/internal/redaction"
	"github.com/FossRust/wasi-warden/wireformat"
)

// fakeDriver mirrors the capability package's test driver so executor tests
// can observe session bookkeeping without a browser.
type fakeDriver struct {
	opened []*fakeSession
}

func (d *fakeDriver) NewSession(context.Context, string, bool, bool) (capability.DriverSession, error) {
	session := &fakeSession{}
	d.opened = append(d.opened, session)
	return session, nil
}

type fakeSession struct{ closed bool }

func (s *fakeSession) Navigate(context.Context, string) error { return nil }

func (s *fakeSession) Find(context.Context, capability.Selector) (capability.DriverElement, error) {
	return &fakeElement{}, nil
}

func (s *fakeSession) Describe(context.Context, bool) (capability.PageDescription, error) {
	return capability.PageDescription{URL: "https://example.test/", Title: "Example"}, nil
}

func (s *fakeSession) Screenshot(context.Context, string) ([]byte, error) {
	return []byte("png"), nil
}

func (s *fakeSession) Close(context.Context) error { s.closed = true; return nil }

type fakeElement struct{}

func (e *fakeElement) Click(context.Context) error                  { return nil }
func (e *fakeElement) TypeText(context.Context, string, bool) error { return nil }
func (e *fakeElement) InnerText(context.Context) (string, error)    { return "text", nil }

type harness struct {
	exec      *Executor
	state     *capability.State
	workspace string
	driver    *fakeDriver
	auditBuf  *bytes.Buffer
}

func newHarness(t *testing.T, procAllow ...string) *harness {
	t.Helper()
	workspace, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	policy := &config.Policy{
		Workspace: workspace,
		ProcAllow: procAllow,
		Budgets: config.Budgets{
			MaxSteps:     8,
			PerActionMs:  5_000,
			MaxReadBytes: 4096,
		},
	}
	state := capability.NewState(workspace, nil)
	driver := &fakeDriver{}
	redactor, err := redaction.New()
	require.NoError(t, err)
	auditBuf := &bytes.Buffer{}

	exec, err := New(Deps{
		FS:       capability.NewFS(state, workspace, policy.Budgets.MaxReadBytes),
		Proc:     capability.NewProc(state, procAllow),
		Browser:  capability.NewBrowser(state, driver, ""),
		LLM:      capability.NewLLMClient("", "", ""),
		State:    state,
		Policy:   policy,
		Redactor: redactor,
		AuditLog: audit.NewWriter(auditBuf),
		TaskID:   "test-task",
	})
	require.NoError(t, err)
	return &harness{exec: exec, state: state, workspace: workspace, driver: driver, auditBuf: auditBuf}
}

func action(capabilityID, input string, alias ...string) wireformat.Action {
	a := wireformat.Action{Capability: capabilityID, Input: json.RawMessage(input)}
	if len(alias) > 0 {
		a.Alias = alias[0]
	}
	return a
}

func TestOneReportPerActionInOrder(t *testing.T) {
	h := newHarness(t)

	actions := []wireformat.Action{
		action("fs.write_file", `{"path": "a.txt", "contents": "alpha"}`),
		action("fs.read_file", `{"path": "a.txt"}`),
		action("fs.read_file", `{"path": "missing.txt"}`),
		action("fs.list_dir", `{}`),
	}
	reports := h.exec.Execute(context.Background(), 0, actions)

	require.Len(t, reports, len(actions))
	for i, report := range reports {
		assert.Equal(t, actions[i].Capability, report.Capability, "report %d echoes its capability", i)
	}
	assert.True(t, reports[0].Success)
	assert.True(t, reports[1].Success)
	assert.False(t, reports[2].Success)
	assert.Equal(t, "NotFound", reports[2].Error.Kind)
	assert.True(t, reports[3].Success, "failure in action 2 must not stop action 3")
}

func TestUnknownCapabilityIsSchemaErrorNotFatal(t *testing.T) {
	h := newHarness(t)

	reports := h.exec.Execute(context.Background(), 0, []wireformat.Action{
		action("fs.format_disk", `{}`),
		action("fs.list_dir", `{}`),
	})
	require.Len(t, reports, 2)
	assert.False(t, reports[0].Success)
	assert.Equal(t, "SchemaError", reports[0].Error.Kind)
	assert.True(t, reports[1].Success)
}

func TestSchemaViolationsReported(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		action wireformat.Action
	}{
		{"missing required field", action("fs.read_file", `{}`)},
		{"wrong type", action("fs.read_file", `{"path": 42}`)},
		{"unknown field", action("fs.read_file", `{"path": "a.txt", "follow": true}`)},
		{"not json", action("fs.read_file", `{"path"`)},
		{"bad selector kind", action("browser.find", `{"session": 1, "selector": {"kind": "magic", "value": "x"}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reports := h.exec.Execute(context.Background(), 0, []wireformat.Action{tt.action})
			require.Len(t, reports, 1)
			assert.False(t, reports[0].Success)
			assert.Equal(t, "SchemaError", reports[0].Error.Kind)
		})
	}
}

func TestPathEscapeReportedAsPermissionDenied(t *testing.T) {
	h := newHarness(t)

	reports := h.exec.Execute(context.Background(), 0, []wireformat.Action{
		action("fs.read_file", `{"dir": 1, "path": "../etc/passwd"}`),
	})
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Success)
	assert.Equal(t, "PermissionDenied", reports[0].Error.Kind)
}

func TestProcAllowlistEnforced(t *testing.T) {
	h := newHarness(t, "echo")

	reports := h.exec.Execute(context.Background(), 0, []wireformat.Action{
		action("proc.spawn", `{"command": "rm", "args": ["-rf", "/"], "dir": 1}`),
	})
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Success)
	assert.Equal(t, "PermissionDenied", reports[0].Error.Kind)
}

func TestProcSpawnWaitThroughExecutor(t *testing.T) {
	h := newHarness(t, "echo")

	reports := h.exec.Execute(context.Background(), 0, []wireformat.Action{
		action("proc.spawn", `{"command": "echo", "args": ["hi"]}`, "job"),
		action("proc.wait", `{"pid": "job"}`),
	})
	require.Len(t, reports, 2)
	require.True(t, reports[0].Success)
	require.True(t, reports[1].Success)

	var waitOut struct {
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
	}
	require.NoError(t, json.Unmarshal(reports[1].Output, &waitOut))
	assert.Equal(t, 0, waitOut.ExitCode)
	assert.Equal(t, "hi\n", waitOut.Stdout)
}

func TestAliasResolutionAndEviction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reports := h.exec.Execute(ctx, 0, []wireformat.Action{
		action("browser.open_session", `{}`, "s"),
		action("browser.goto", `{"session": "s", "url": "https://example.test/"}`),
		action("browser.open_session", `{}`, "s"),
	})
	require.Len(t, reports, 3)
	for i, report := range reports {
		require.True(t, report.Success, "action %d: %v", i, report.Error)
	}

	// Exactly one live session: the first was closed before the second
	// was bound under the reused alias.
	assert.Equal(t, 1, h.state.LiveSessions())
	require.Len(t, h.driver.opened, 2)
	assert.True(t, h.driver.opened[0].closed)
	assert.False(t, h.driver.opened[1].closed)
}

func TestUnknownAliasReported(t *testing.T) {
	h := newHarness(t)

	reports := h.exec.Execute(context.Background(), 0, []wireformat.Action{
		action("browser.goto", `{"session": "ghost", "url": "https://example.test/"}`),
	})
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Success)
	assert.Equal(t, "UnknownAlias", reports[0].Error.Kind)
}

func TestTypeTextRedactedInAudit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reports := h.exec.Execute(ctx, 0, []wireformat.Action{
		action("browser.open_session", `{}`, "s"),
		action("browser.find", `{"session": "s", "selector": {"kind": "css", "value": "#pw"}}`, "pw-box"),
		action("browser.type_text", `{"element": "pw-box", "text": "hunter2", "submit": true}`),
	})
	for i, report := range reports {
		require.True(t, report.Success, "action %d: %v", i, report.Error)
	}

	auditText := h.auditBuf.String()
	assert.NotContains(t, auditText, "hunter2")
	assert.Contains(t, auditText, redaction.Placeholder)
	assert.Contains(t, auditText, "browser.type_text")
}

func TestBrowserDisabledWithoutDriver(t *testing.T) {
	workspace, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	policy := &config.Policy{
		Workspace: workspace,
		Budgets:   config.Budgets{MaxSteps: 4, PerActionMs: 1000, MaxReadBytes: 1024},
	}
	state := capability.NewState(workspace, nil)
	exec, err := New(Deps{
		FS:      capability.NewFS(state, workspace, 1024),
		Proc:    capability.NewProc(state, nil),
		Browser: capability.NewBrowser(state, nil, ""),
		LLM:     capability.NewLLMClient("", "", ""),
		State:   state,
		Policy:  policy,
		TaskID:  "t",
	})
	require.NoError(t, err)

	reports := exec.Execute(context.Background(), 0, []wireformat.Action{
		action("browser.open_session", `{}`),
	})
	require.Len(t, reports, 1)
	assert.Equal(t, "PermissionDenied", reports[0].Error.Kind)
}

func TestPolicyDescribeRedactsCredentials(t *testing.T) {
	h := newHarness(t, "echo")

	reports := h.exec.Execute(context.Background(), 0, []wireformat.Action{
		action("policy.describe", `{}`),
	})
	require.Len(t, reports, 1)
	require.True(t, reports[0].Success)

	var snapshot wireformat.PolicyDescribeResponseWire
	require.NoError(t, json.Unmarshal(reports[0].Output, &snapshot))
	assert.Equal(t, h.workspace, snapshot.Workspace)
	assert.Equal(t, []string{"echo"}, snapshot.AllowedProc)
	assert.False(t, strings.Contains(string(reports[0].Output), "api_key"))
}

func TestRequestCapabilityAutoDenied(t *testing.T) {
	h := newHarness(t)

	reports := h.exec.Execute(context.Background(), 0, []wireformat.Action{
		action("policy.request_capability", `{"capability": "net.raw", "reason": "why not"}`),
	})
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Success)
	assert.Equal(t, "PermissionDenied", reports[0].Error.Kind)
}

type denyBrowser struct{}

func (denyBrowser) Approve(capabilityID string, _ map[string]any) error {
	if strings.HasPrefix(capabilityID, "browser.") {
		return fmt.Errorf("operator declined")
	}
	return nil
}

func TestApproverHookRunsPreDispatch(t *testing.T) {
	workspace, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	policy := &config.Policy{
		Workspace: workspace,
		Budgets:   config.Budgets{MaxSteps: 4, PerActionMs: 1000, MaxReadBytes: 1024},
	}
	state := capability.NewState(workspace, nil)
	driver := &fakeDriver{}
	exec, err := New(Deps{
		FS:       capability.NewFS(state, workspace, 1024),
		Proc:     capability.NewProc(state, nil),
		Browser:  capability.NewBrowser(state, driver, ""),
		LLM:      capability.NewLLMClient("", "", ""),
		State:    state,
		Policy:   policy,
		Approver: denyBrowser{},
		TaskID:   "t",
	})
	require.NoError(t, err)

	reports := exec.Execute(context.Background(), 0, []wireformat.Action{
		action("browser.open_session", `{}`),
	})
	require.Len(t, reports, 1)
	assert.Equal(t, "PermissionDenied", reports[0].Error.Kind)
	assert.Empty(t, driver.opened, "denied action must not reach the driver")
}

func TestAuditRecordsEveryExecution(t *testing.T) {
	h := newHarness(t)

	h.exec.Execute(context.Background(), 2, []wireformat.Action{
		action("fs.list_dir", `{}`),
		action("fs.read_file", `{"path": "nope.txt"}`),
	})

	lines := strings.Split(strings.TrimSpace(h.auditBuf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second audit.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "fs.list_dir", first.Capability)
	assert.Equal(t, "ok", first.Outcome)
	assert.Equal(t, 2, first.Step)
	assert.Equal(t, "fs.read_file", second.Capability)
	assert.Equal(t, "NotFound", second.Outcome)
	assert.Equal(t, 1, second.ActionIdx)
}
