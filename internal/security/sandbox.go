package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"flutter-sim-mcp/internal/domain"
)

// DefaultManifest is the project manifest required at the root of a Flutter project.
const DefaultManifest = "pubspec.yaml"

// Sandbox confines caller-supplied project paths. Requests are resolved
// relative to an optional base directory, must stay inside it, and must
// finally land under the allowed root.
type Sandbox struct {
	allowedRoot string
	basePath    string
	manifest    string
}

// NewSandbox creates a sandbox. allowedRoot is required; basePath may be empty.
func NewSandbox(allowedRoot, basePath, manifest string) (*Sandbox, error) {
	if allowedRoot == "" {
		return nil, fmt.Errorf("sandbox: allowed root is required")
	}
	root, err := filepath.Abs(allowedRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve allowed root: %w", err)
	}
	s := &Sandbox{allowedRoot: evalIfExists(root), manifest: manifest}
	if s.manifest == "" {
		s.manifest = DefaultManifest
	}
	if basePath != "" {
		base, err := filepath.Abs(basePath)
		if err != nil {
			return nil, fmt.Errorf("resolve base path: %w", err)
		}
		s.basePath = base
	}
	return s, nil
}

// AllowedRoot returns the resolved allowed root.
func (s *Sandbox) AllowedRoot() string { return s.allowedRoot }

// BasePath returns the base directory, or "" if none is configured.
func (s *Sandbox) BasePath() string { return s.basePath }

// Resolve maps a requested path to an absolute path and enforces the
// traversal and allow-list checks on the result, never on the raw input.
func (s *Sandbox) Resolve(requested string) (string, error) {
	const op = "Sandbox.Resolve"

	var abs string
	if s.basePath != "" {
		abs = requested
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(s.basePath, requested)
		}
		abs = filepath.Clean(abs)
		if !within(abs, s.basePath) {
			return "", domain.NewSubSystemError(domain.SubSystemProject, op, domain.ErrPathTraversal,
				fmt.Sprintf("%q resolves outside base path %q", requested, s.basePath))
		}
	} else {
		var err error
		abs, err = filepath.Abs(requested)
		if err != nil {
			return "", domain.NewSubSystemError(domain.SubSystemProject, op, domain.ErrInvalidInput, err.Error())
		}
	}

	// Symlinks are followed before the allow-list check so a link cannot
	// smuggle the project outside the root.
	resolved := evalIfExists(abs)
	if !within(resolved, s.allowedRoot) {
		return "", domain.NewSubSystemError(domain.SubSystemProject, op, domain.ErrPermissionDenied,
			fmt.Sprintf("%q is outside the allowed root %q", resolved, s.allowedRoot))
	}
	return resolved, nil
}

// ValidateProject checks that path is an existing directory with the manifest at its root.
func (s *Sandbox) ValidateProject(path string) error {
	const op = "Sandbox.ValidateProject"

	info, err := os.Stat(path)
	if err != nil {
		return domain.NewSubSystemError(domain.SubSystemProject, op, domain.ErrNotFound,
			fmt.Sprintf("project path %q does not exist", path))
	}
	if !info.IsDir() {
		return domain.NewSubSystemError(domain.SubSystemProject, op, domain.ErrInvalidInput,
			fmt.Sprintf("project path %q is not a directory", path))
	}
	if _, err := os.Stat(filepath.Join(path, s.manifest)); err != nil {
		return domain.NewSubSystemError(domain.SubSystemProject, op, domain.ErrInvalidInput,
			fmt.Sprintf("no %s found in %q", s.manifest, path))
	}
	return nil
}

// ResolveProject resolves and validates in one step.
func (s *Sandbox) ResolveProject(requested string) (string, error) {
	path, err := s.Resolve(requested)
	if err != nil {
		return "", err
	}
	if err := s.ValidateProject(path); err != nil {
		return "", err
	}
	return path, nil
}

func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, strings.TrimSuffix(root, string(os.PathSeparator))+string(os.PathSeparator))
}

func evalIfExists(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}
