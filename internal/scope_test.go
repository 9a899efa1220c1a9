package internal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestScopePaths(t *testing.T) {
	scope := Scope{WorkPath: "/studio/.turntable"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"config", scope.ConfigPath(), "/studio/.turntable/config.yaml"},
		{"env", scope.EnvPath(), "/studio/.turntable/.env"},
		{"models", scope.ModelsPath(), "/studio/.turntable/models"},
		{"database", scope.DatabasePath(), "/studio/.turntable/runs.db"},
		{"outputs", scope.OutputPath(), "/studio/.turntable/outputs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, tt.got)
			}
		})
	}
}

func TestScopeResolverGlobal(t *testing.T) {
	resolver := &ScopeResolver{homeDir: "/home/photographer"}
	scope := resolver.Global()

	if scope.Type != ScopeGlobal {
		t.Errorf("expected ScopeGlobal, got %q", scope.Type)
	}
	if scope.WorkPath != "/home/photographer/.turntable" {
		t.Errorf("unexpected WorkPath %q", scope.WorkPath)
	}
}

func TestScopeResolverGlobalOverride(t *testing.T) {
	resolver := &ScopeResolver{homeDir: "/home/photographer", globalWork: "/mnt/models/turntable"}
	scope := resolver.Global()

	if scope.WorkPath != "/mnt/models/turntable" || scope.Path != "/mnt/models" {
		t.Errorf("unexpected scope %+v", scope)
	}
}

func TestNearestProjectNotFound(t *testing.T) {
	resolver := &ScopeResolver{homeDir: "/nonexistent-home"}

	if _, found := resolver.nearestProject(t.TempDir()); found {
		t.Error("expected no project scope without a .turntable directory")
	}
}

func TestNearestProjectFromSubdir(t *testing.T) {
	tmp := t.TempDir()
	workDir := filepath.Join(tmp, WorkspaceDirname)
	sub := filepath.Join(tmp, "shoot-01", "raw")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	resolver := &ScopeResolver{homeDir: "/nonexistent-home"}
	scope, found := resolver.nearestProject(sub)
	if !found {
		t.Fatal("expected project scope to be found")
	}
	if scope.Type != ScopeProject {
		t.Errorf("expected ScopeProject, got %q", scope.Type)
	}
	if scope.WorkPath != workDir {
		t.Errorf("expected WorkPath %q, got %q", workDir, scope.WorkPath)
	}
	if scope.Path != tmp {
		t.Errorf("expected Path %q, got %q", tmp, scope.Path)
	}
}

func TestNearestProjectSkipsHome(t *testing.T) {
	home := t.TempDir()
	if err := os.Mkdir(filepath.Join(home, WorkspaceDirname), 0755); err != nil {
		t.Fatal(err)
	}

	resolver := &ScopeResolver{homeDir: home}
	if _, found := resolver.nearestProject(home); found {
		t.Error("the home workspace is the global scope, not a project")
	}
}

func TestResolve(t *testing.T) {
	project := t.TempDir()
	if err := os.Mkdir(filepath.Join(project, WorkspaceDirname), 0755); err != nil {
		t.Fatal(err)
	}
	empty := t.TempDir()
	resolver := &ScopeResolver{homeDir: "/home/photographer"}

	t.Chdir(project)
	for _, hint := range []string{"", "project"} {
		scope, err := resolver.Resolve(hint)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", hint, err)
		}
		if scope.Type != ScopeProject {
			t.Errorf("Resolve(%q): expected project, got %q", hint, scope.Type)
		}
	}

	scope, err := resolver.Resolve("global")
	if err != nil || scope.Type != ScopeGlobal {
		t.Errorf("Resolve(global) = %+v, %v", scope, err)
	}

	t.Chdir(empty)
	scope, err = resolver.Resolve("")
	if err != nil || scope.Type != ScopeGlobal {
		t.Errorf("expected global fallback, got %+v, %v", scope, err)
	}
	if _, err := resolver.Resolve("project"); !errors.Is(err, ErrNoWorkspace) {
		t.Errorf("expected ErrNoWorkspace, got %v", err)
	}
	if _, err := resolver.Resolve("team"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestProjectAt(t *testing.T) {
	scope := ProjectAt("/studio")
	if scope.Type != ScopeProject || scope.Path != "/studio" || scope.WorkPath != "/studio/.turntable" {
		t.Errorf("unexpected scope %+v", scope)
	}
	if scope.Exists() {
		t.Error("/studio/.turntable should not exist")
	}
}
