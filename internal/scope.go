package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// WorkspaceDirname holds config, model weights and the run database.
const WorkspaceDirname = ".turntable"

// HomeEnv relocates the global workspace, e.g. onto a shared model volume.
const HomeEnv = "TURNTABLE_HOME"

var ErrNoWorkspace = errors.New("no project workspace")

type ScopeType string

const (
	ScopeAuto    ScopeType = ""
	ScopeGlobal  ScopeType = "global"
	ScopeProject ScopeType = "project"
)

// Scope is one workspace: a directory whose .turntable subdirectory holds
// everything turntable persists.
type Scope struct {
	Type     ScopeType
	Path     string
	WorkPath string
}

func (s Scope) ConfigPath() string   { return filepath.Join(s.WorkPath, "config.yaml") }
func (s Scope) EnvPath() string      { return filepath.Join(s.WorkPath, ".env") }
func (s Scope) ModelsPath() string   { return filepath.Join(s.WorkPath, "models") }
func (s Scope) DatabasePath() string { return filepath.Join(s.WorkPath, "runs.db") }
func (s Scope) OutputPath() string   { return filepath.Join(s.WorkPath, "outputs") }

// Exists reports whether the workspace directory has been created.
func (s Scope) Exists() bool {
	info, err := os.Stat(s.WorkPath)
	return err == nil && info.IsDir()
}

// ProjectAt returns the project scope rooted at dir.
func ProjectAt(dir string) Scope {
	return Scope{Type: ScopeProject, Path: dir, WorkPath: filepath.Join(dir, WorkspaceDirname)}
}

type ScopeResolver struct {
	homeDir    string
	globalWork string
}

func NewScopeResolver() *ScopeResolver {
	home, _ := os.UserHomeDir()
	return &ScopeResolver{homeDir: home, globalWork: os.Getenv(HomeEnv)}
}

func (r *ScopeResolver) Global() Scope {
	if r.globalWork != "" {
		return Scope{Type: ScopeGlobal, Path: filepath.Dir(r.globalWork), WorkPath: r.globalWork}
	}
	return Scope{Type: ScopeGlobal, Path: r.homeDir, WorkPath: filepath.Join(r.homeDir, WorkspaceDirname)}
}

// Resolve maps a --scope value to a workspace. The empty value picks the
// nearest project above the working directory and falls back to global.
func (r *ScopeResolver) Resolve(explicit string) (Scope, error) {
	switch ScopeType(explicit) {
	case ScopeGlobal:
		return r.Global(), nil
	case ScopeProject, ScopeAuto:
		cwd, err := os.Getwd()
		if err != nil {
			return Scope{}, fmt.Errorf("working directory: %w", err)
		}
		if scope, ok := r.nearestProject(cwd); ok {
			return scope, nil
		}
		if explicit == string(ScopeProject) {
			return Scope{}, fmt.Errorf("%w above %s (run turntable init)", ErrNoWorkspace, cwd)
		}
		return r.Global(), nil
	default:
		return Scope{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidConfig, explicit)
	}
}

// nearestProject walks up from dir. The workspace in the home directory is
// the global one and never counts as a project.
func (r *ScopeResolver) nearestProject(dir string) (Scope, bool) {
	for {
		if dir != r.homeDir {
			if scope := ProjectAt(dir); scope.Exists() {
				return scope, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Scope{}, false
		}
		dir = parent
	}
}
