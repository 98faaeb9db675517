// Package sandbox resolves wire paths against a per-connection workspace
// root and exposes the file operations reachable over the control protocol.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Sandbox is a root directory plus a working-directory sub-path that every
// wire path is resolved relative to. The root is opened with os.OpenRoot so
// every subsequent operation is contained at the OS level: no resolved path,
// however constructed, can walk outside Root.
type Sandbox struct {
	root    *os.Root
	rootDir string
	workdir string // root-relative, "." for the root itself

	mu sync.Mutex
}

// Open creates (if needed) and opens the sandbox root, optionally nested at
// a per-connection workdir taken from the WebSocket URL (e.g. /proxy/<cwd>).
func Open(rootDir, workdir string) (*Sandbox, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root %q: %w", rootDir, err)
	}
	root, err := os.OpenRoot(rootDir)
	if err != nil {
		return nil, fmt.Errorf("open sandbox root %q: %w", rootDir, err)
	}
	rel := ToRel(workdir)
	if rel != "." {
		if err := mkdirAll(root, rel); err != nil {
			root.Close()
			return nil, fmt.Errorf("create sandbox workdir %q: %w", workdir, err)
		}
	}
	return &Sandbox{root: root, rootDir: rootDir, workdir: rel}, nil
}

// Close releases the underlying os.Root.
func (s *Sandbox) Close() error {
	if s == nil || s.root == nil {
		return nil
	}
	return s.root.Close()
}

// ToRel normalizes an absolute-or-relative wire path to a path safe to pass
// to os.Root methods: leading separators are stripped, ".." components are
// cleaned away by filepath.Clean operating from a synthetic root, so no
// input — "/absolute", "../../etc", or "" — can escape containment.
func ToRel(p string) string {
	clean := filepath.Clean("/" + strings.TrimPrefix(p, "/"))
	if clean == "/" {
		return "."
	}
	return strings.TrimPrefix(clean, "/")
}

// resolve joins the sandbox workdir with a wire-supplied path and returns
// the root-relative path to use with the *os.Root API.
func (s *Sandbox) resolve(wirePath string) string {
	rel := ToRel(wirePath)
	if s.workdir == "." {
		return rel
	}
	return filepath.Join(s.workdir, rel)
}

// RootDir returns the sandbox's absolute root directory, for diagnostics.
func (s *Sandbox) RootDir() string { return s.rootDir }

// WorkDir returns the absolute path of the connection's working directory
// (the root itself, or the /proxy/<cwd> sub-path it was opened with). This
// is what a spawned child process's cwd, or a workspace manifest lookup,
// should use — RootDir alone ignores a nested /proxy/<cwd> connection.
func (s *Sandbox) WorkDir() string {
	if s.workdir == "." {
		return s.rootDir
	}
	return filepath.Join(s.rootDir, s.workdir)
}

// ResolveAbs resolves a wire-supplied path (relative to this connection's
// working directory, containment-clamped like every other sandbox path)
// to an absolute filesystem path. Used where a caller needs an *os.Exec
// Dir rather than an os.Root-relative path, e.g. the optional `cwd` a
// `spawn` request may carry.
func (s *Sandbox) ResolveAbs(wirePath string) string {
	if wirePath == "" {
		return s.WorkDir()
	}
	return filepath.Join(s.rootDir, s.resolve(wirePath))
}
