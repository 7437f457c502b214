package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"flutter-sim-mcp/internal/domain"
)

func mkProject(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, DefaultManifest), []byte("name: app\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSandboxRequiresAllowedRoot(t *testing.T) {
	if _, err := NewSandbox("", "", ""); err == nil {
		t.Fatal("expected error for empty allowed root")
	}
}

func TestSandboxTraversal(t *testing.T) {
	sb, err := NewSandbox("/base", "/base", "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"escapes twice", "../../etc", "", domain.ErrPathTraversal},
		{"parent of base", "../", "", domain.ErrPathTraversal},
		{"absolute outside", "/etc/passwd", "", domain.ErrPathTraversal},
		{"normalizes inside", "sub/../sub2", "/base/sub2", nil},
		{"base itself", ".", "/base", nil},
		{"sibling prefix", "../base-other", "", domain.ErrPathTraversal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sb.Resolve(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve(%q) err = %v, want %v", tt.input, err, tt.wantErr)
				}
				if code := domain.ErrorCodeOf(err); code != domain.CodePathTraversal {
					t.Errorf("code = %q", code)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSandboxAllowedRootPrefix(t *testing.T) {
	sb, err := NewSandbox("/work/allowed", "/work", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := sb.Resolve("allowed/app"); err != nil {
		t.Errorf("path under allowed root rejected: %v", err)
	}

	_, err = sb.Resolve("other/app")
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("err = %v, want access denied", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeAccessDenied {
		t.Errorf("code = %q, want %q", code, domain.CodeAccessDenied)
	}
}

func TestSandboxNoBasePath(t *testing.T) {
	root := t.TempDir()
	sb, err := NewSandbox(root, "", "")
	if err != nil {
		t.Fatal(err)
	}
	app := filepath.Join(root, "app")
	mkProject(t, app)

	got, err := sb.ResolveProject(app)
	if err != nil {
		t.Fatalf("ResolveProject: %v", err)
	}
	want, _ := filepath.EvalSymlinks(app)
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if _, err := sb.Resolve(filepath.Join(root, "..", "elsewhere")); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("err = %v, want access denied", err)
	}
}

func TestSandboxSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	mkProject(t, outside)

	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skip("symlinks unsupported:", err)
	}

	sb, err := NewSandbox(root, root, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sb.Resolve("link"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("symlink escape: err = %v, want access denied", err)
	}
}

func TestSandboxValidateProject(t *testing.T) {
	root := t.TempDir()
	sb, err := NewSandbox(root, root, "")
	if err != nil {
		t.Fatal(err)
	}

	mkProject(t, filepath.Join(root, "ok"))
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "file"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		input string
		code  domain.ErrorCode
	}{
		{"ok", ""},
		{"missing", domain.CodeProjectNotFound},
		{"empty", domain.CodeProjectInvalid},
		{"file", domain.CodeProjectInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := sb.ResolveProject(tt.input)
			if tt.code == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if code := domain.ErrorCodeOf(err); code != tt.code {
				t.Errorf("code = %q, want %q (err %v)", code, tt.code, err)
			}
		})
	}
}

func TestSandboxCustomManifest(t *testing.T) {
	root := t.TempDir()
	sb, err := NewSandbox(root, root, "package.json")
	if err != nil {
		t.Fatal(err)
	}
	mkProject(t, filepath.Join(root, "app"))

	if _, err := sb.ResolveProject("app"); err == nil {
		t.Error("expected missing manifest error")
	}
}
