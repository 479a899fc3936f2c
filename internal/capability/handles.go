package capability

import (
	"context"
	"log/slog"
)

// Handle is an opaque integer token vended to the guest. A handle is valid
// only within the task-scoped State that issued it.
type Handle uint32

// WorkspaceHandle is the pre-vended directory handle for the workspace root.
const WorkspaceHandle Handle = 1

// handleKind tags what a handle resolves to inside the table.
type handleKind int

const (
	handleDir handleKind = iota
	handleProcess
	handleSession
	handleElement
)

type tableEntry struct {
	kind handleKind

	dirPath string
	process *Process
	session *sessionEntry
	element *elementEntry
}

// State holds all per-task capability bookkeeping: the handle table, the
// alias map, and the screenshot store. It is owned by one orchestration
// loop and is never shared across tasks, so no locking is needed.
type State struct {
	entries map[Handle]*tableEntry
	next    Handle

	// aliases map guest-chosen names to handles. Aliases are planner
	// ergonomics only; every lookup still goes through the handle table.
	aliases map[string]Handle

	// sessionOrder preserves creation order for deterministic teardown.
	sessionOrder []Handle

	screenshots map[string][]byte

	logger *slog.Logger
}

// NewState builds an empty per-task state with the workspace root pre-vended
// as handle 1.
func NewState(workspaceRoot string, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	s := &State{
		entries:     make(map[Handle]*tableEntry),
		next:        WorkspaceHandle,
		aliases:     make(map[string]Handle),
		screenshots: make(map[string][]byte),
		logger:      logger,
	}
	s.insert(&tableEntry{kind: handleDir, dirPath: workspaceRoot})
	return s
}

func (s *State) insert(entry *tableEntry) Handle {
	h := s.next
	s.next++
	s.entries[h] = entry
	return h
}

func (s *State) lookup(h Handle, kind handleKind) (*tableEntry, *Error) {
	entry, ok := s.entries[h]
	if !ok || entry.kind != kind {
		return nil, NewError(KindUnknownHandle, "handle %d is not valid here", h)
	}
	return entry, nil
}

// DirPath resolves a directory handle to its canonical host path.
func (s *State) DirPath(h Handle) (string, *Error) {
	entry, err := s.lookup(h, handleDir)
	if err != nil {
		return "", err
	}
	return entry.dirPath, nil
}

// AddDir registers a new directory handle bound to a canonical path.
func (s *State) AddDir(path string) Handle {
	return s.insert(&tableEntry{kind: handleDir, dirPath: path})
}

// ResolveAlias returns the handle bound to a guest-chosen alias.
func (s *State) ResolveAlias(alias string) (Handle, *Error) {
	h, ok := s.aliases[alias]
	if !ok {
		return 0, NewError(KindUnknownAlias, "alias %q is not bound", alias)
	}
	return h, nil
}

// BindAlias binds an alias to a handle. A prior binding under the same name
// is evicted and its backing resource closed.
func (s *State) BindAlias(ctx context.Context, alias string, h Handle) {
	if alias == "" {
		return
	}
	if old, ok := s.aliases[alias]; ok && old != h {
		s.closeHandle(ctx, old)
	}
	s.aliases[alias] = h
}

// closeHandle releases the resource behind a handle and removes it from the
// table. Unknown handles are ignored; eviction is best-effort.
func (s *State) closeHandle(ctx context.Context, h Handle) {
	entry, ok := s.entries[h]
	if !ok {
		return
	}
	switch entry.kind {
	case handleSession:
		s.closeSession(ctx, h, entry.session)
	case handleElement:
		delete(s.entries, h)
	case handleProcess:
		entry.process.kill()
		delete(s.entries, h)
	case handleDir:
		// Directory handles hold no external resource. The workspace
		// handle is never evicted.
		if h != WorkspaceHandle {
			delete(s.entries, h)
		}
	}
}

// closeSession shuts a browser session down and invalidates every element
// handle that belongs to it, including their aliases.
func (s *State) closeSession(ctx context.Context, h Handle, entry *sessionEntry) {
	if entry == nil {
		return
	}
	if err := entry.driver.Close(ctx); err != nil {
		s.logger.Warn("browser session close failed", "error", err)
	}
	for eh, e := range s.entries {
		if e.kind == handleElement && e.element.session == h {
			delete(s.entries, eh)
			for alias, bound := range s.aliases {
				if bound == eh {
					delete(s.aliases, alias)
				}
			}
		}
	}
	for alias, bound := range s.aliases {
		if bound == h {
			delete(s.aliases, alias)
		}
	}
	delete(s.entries, h)
	for i, sh := range s.sessionOrder {
		if sh == h {
			s.sessionOrder = append(s.sessionOrder[:i], s.sessionOrder[i+1:]...)
			break
		}
	}
}

// StoreScreenshot keeps screenshot bytes under an alias.
func (s *State) StoreScreenshot(alias string, data []byte) {
	s.screenshots[alias] = data
}

// Screenshot returns stored screenshot bytes.
func (s *State) Screenshot(alias string) ([]byte, bool) {
	data, ok := s.screenshots[alias]
	return data, ok
}

// LiveSessions reports how many browser sessions are currently open.
func (s *State) LiveSessions() int {
	return len(s.sessionOrder)
}

// Teardown releases every external resource the state still tracks: browser
// sessions in creation order, then any processes not yet reaped. It must be
// called exactly once, when the owning sandbox is destroyed.
func (s *State) Teardown(ctx context.Context) {
	order := make([]Handle, len(s.sessionOrder))
	copy(order, s.sessionOrder)
	for _, h := range order {
		if entry, ok := s.entries[h]; ok && entry.kind == handleSession {
			s.closeSession(ctx, h, entry.session)
		}
	}
	for h, entry := range s.entries {
		if entry.kind == handleProcess {
			entry.process.kill()
			delete(s.entries, h)
		}
	}
	s.aliases = make(map[string]Handle)
}
