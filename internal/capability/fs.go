package capability

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/FossRust/wasi-warden/wireformat"
)

// FS implements the filesystem capability. Every operation takes a directory
// handle plus a relative path; the path is treated as hostile until it has
// passed validateRelative and the post-canonicalization containment check.
type FS struct {
	state        *State
	root         string // canonical workspace root
	maxReadBytes uint64
}

// NewFS builds the filesystem capability over a task state. root must be the
// canonical workspace path the state was created with.
func NewFS(state *State, root string, maxReadBytes uint64) *FS {
	return &FS{state: state, root: root, maxReadBytes: maxReadBytes}
}

// OpenWorkspace returns the pre-vended workspace handle. Idempotent.
func (f *FS) OpenWorkspace() (Handle, *Error) {
	return WorkspaceHandle, nil
}

// ListDir lists the entries of the directory named by (dir, relativePath).
func (f *FS) ListDir(dir Handle, relativePath string) ([]wireformat.DirEntryWire, *Error) {
	target, capErr := f.resolve(dir, relativePath, false)
	if capErr != nil {
		return nil, capErr
	}
	dirEntries, err := os.ReadDir(target)
	if err != nil {
		return nil, ioError("fs.list_dir", err)
	}
	entries := make([]wireformat.DirEntryWire, 0, len(dirEntries))
	for _, de := range dirEntries {
		entry := wireformat.DirEntryWire{Name: de.Name(), Kind: entryKind(de.Type())}
		if info, err := de.Info(); err == nil {
			entry.SizeBytes = uint64(info.Size())
			if mod := info.ModTime(); !mod.IsZero() {
				entry.ModifiedMs = uint64(mod.UnixMilli())
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReadFile reads up to maxBytes of a file as UTF-8 text. maxBytes is capped
// by the policy ceiling; zero means the ceiling. The truncated flag reports
// whether the file had more bytes than were returned.
func (f *FS) ReadFile(dir Handle, relativePath string, maxBytes uint64) (string, bool, *Error) {
	target, capErr := f.resolve(dir, relativePath, false)
	if capErr != nil {
		return "", false, capErr
	}
	limit := maxBytes
	if limit == 0 || limit > f.maxReadBytes {
		limit = f.maxReadBytes
	}
	file, err := os.Open(target)
	if err != nil {
		return "", false, ioError("fs.read_file", err)
	}
	defer file.Close()

	// Read one byte past the limit so truncation is detectable.
	buf := make([]byte, limit+1)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", false, ioError("fs.read_file", err)
	}
	truncated := uint64(n) > limit
	if truncated {
		n = int(limit)
	}
	contents := buf[:n]
	if !utf8.Valid(contents) {
		return "", false, NewError(KindEncodingError, "file %s is not valid UTF-8", relativePath)
	}
	return string(contents), truncated, nil
}

// WriteFile creates or overwrites a file. The parent directory must already
// exist.
func (f *FS) WriteFile(dir Handle, relativePath string, contents string) *Error {
	target, capErr := f.resolve(dir, relativePath, true)
	if capErr != nil {
		return capErr
	}
	if err := os.WriteFile(target, []byte(contents), 0o644); err != nil {
		return ioError("fs.write_file", err)
	}
	return nil
}

// EnsureDir creates a directory (and missing ancestors) inside the workspace
// and vends a handle for it.
func (f *FS) EnsureDir(dir Handle, relativePath string) (Handle, *Error) {
	target, capErr := f.resolve(dir, relativePath, true)
	if capErr != nil {
		return 0, capErr
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return 0, ioError("fs.ensure_dir", err)
	}
	canonical, err := filepath.EvalSymlinks(target)
	if err != nil {
		return 0, ioError("fs.ensure_dir", err)
	}
	if capErr := f.ensureWithin(canonical); capErr != nil {
		return 0, capErr
	}
	return f.state.AddDir(canonical), nil
}

// RemoveFile deletes a file inside the workspace.
func (f *FS) RemoveFile(dir Handle, relativePath string) *Error {
	target, capErr := f.resolve(dir, relativePath, false)
	if capErr != nil {
		return capErr
	}
	if err := os.Remove(target); err != nil {
		return ioError("fs.remove_file", err)
	}
	return nil
}

// Stat returns metadata for one entry.
func (f *FS) Stat(dir Handle, relativePath string) (wireformat.DirEntryWire, *Error) {
	target, capErr := f.resolve(dir, relativePath, false)
	if capErr != nil {
		return wireformat.DirEntryWire{}, capErr
	}
	info, err := os.Lstat(target)
	if err != nil {
		return wireformat.DirEntryWire{}, ioError("fs.stat", err)
	}
	entry := wireformat.DirEntryWire{
		Name:      info.Name(),
		Kind:      entryKind(info.Mode().Type()),
		SizeBytes: uint64(info.Size()),
	}
	if mod := info.ModTime(); !mod.IsZero() {
		entry.ModifiedMs = uint64(mod.UnixMilli())
	}
	return entry, nil
}

// resolve runs the full path validation protocol: handle lookup, lexical
// rejection, join, canonicalization, containment re-check. With
// allowMissing, the final component may not exist yet (writes); its parent
// is canonicalized instead.
func (f *FS) resolve(dir Handle, relativePath string, allowMissing bool) (string, *Error) {
	base, capErr := f.state.DirPath(dir)
	if capErr != nil {
		return "", capErr
	}
	if capErr := validateRelative(relativePath); capErr != nil {
		return "", capErr
	}
	joined := filepath.Join(base, relativePath)

	canonical, err := filepath.EvalSymlinks(joined)
	if err == nil {
		if capErr := f.ensureWithin(canonical); capErr != nil {
			return "", capErr
		}
		return canonical, nil
	}
	if !allowMissing {
		if errors.Is(err, fs.ErrNotExist) {
			return "", NewError(KindNotFound, "%s does not exist", relativePath)
		}
		return "", ioError("fs.resolve", err)
	}

	// Target absent: canonicalize the parent, which must exist, and
	// re-attach the final component.
	parent, errParent := filepath.EvalSymlinks(filepath.Dir(joined))
	if errParent != nil {
		if errors.Is(errParent, fs.ErrNotExist) {
			return "", NewError(KindNotFound, "parent of %s does not exist", relativePath)
		}
		return "", ioError("fs.resolve", errParent)
	}
	candidate := filepath.Join(parent, filepath.Base(joined))
	if capErr := f.ensureWithin(candidate); capErr != nil {
		return "", capErr
	}
	return candidate, nil
}

// ensureWithin is the post-canonicalization containment check. It is not
// redundant with the lexical checks: a symlink inside the workspace can
// point outward, and only the canonical path exposes that.
func (f *FS) ensureWithin(canonical string) *Error {
	if canonical == f.root || strings.HasPrefix(canonical, f.root+string(filepath.Separator)) {
		return nil
	}
	return NewError(KindPermissionDenied, "path escapes workspace root")
}

// validateRelative applies the lexical half of the validation protocol.
func validateRelative(relativePath string) *Error {
	if strings.ContainsRune(relativePath, 0) {
		return NewError(KindPermissionDenied, "path contains a null byte")
	}
	if strings.HasPrefix(relativePath, "/") || strings.HasPrefix(relativePath, string(filepath.Separator)) {
		return NewError(KindPermissionDenied, "absolute paths are not allowed")
	}
	if filepath.IsAbs(relativePath) {
		return NewError(KindPermissionDenied, "absolute paths are not allowed")
	}
	for _, segment := range strings.FieldsFunc(relativePath, func(r rune) bool {
		return r == '/' || r == filepath.Separator
	}) {
		if segment == ".." {
			return NewError(KindPermissionDenied, "parent segments are not allowed")
		}
	}
	return nil
}

func entryKind(mode fs.FileMode) string {
	switch {
	case mode.IsRegular():
		return "file"
	case mode.IsDir():
		return "directory"
	case mode&fs.ModeSymlink != 0:
		return "symlink"
	default:
		return "other"
	}
}

func ioError(op string, err error) *Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NewError(KindNotFound, "%s: %v", op, err)
	case errors.Is(err, fs.ErrPermission):
		return NewError(KindPermissionDenied, "%s: %v", op, err)
	default:
		return NewError(KindExternalFailure, "%s: %v", op, err)
	}
}
