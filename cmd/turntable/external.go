package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/4thel00z/turntable/internal"
)

// externalPrefix marks executables on PATH that extend the CLI, e.g.
// turntable-contactsheet becomes `turntable contactsheet`.
const externalPrefix = "turntable-"

func findExternal(name string) (string, error) {
	binary := externalPrefix + name
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("unknown command %q: %s not found in PATH", name, binary)
	}
	return path, nil
}

// listExternalCommands returns plugin names found on PATH, sorted, with the
// first directory winning on duplicates as exec.LookPath does.
func listExternalCommands() []string {
	seen := make(map[string]bool)
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if name := externalName(dir, entry); name != "" {
				seen[name] = true
			}
		}
	}

	commands := make([]string, 0, len(seen))
	for name := range seen {
		commands = append(commands, name)
	}
	sort.Strings(commands)
	return commands
}

func externalName(dir string, entry os.DirEntry) string {
	name := entry.Name()
	if entry.IsDir() || !strings.HasPrefix(name, externalPrefix) {
		return ""
	}

	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil || info.Mode()&0111 == 0 {
		return ""
	}

	return strings.TrimPrefix(name, externalPrefix)
}

func executeExternal(ctx context.Context, name string, args []string, version string) error {
	binaryPath, err := findExternal(name)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Env = os.Environ()
	if scope, err := internal.NewScopeResolver().Resolve(""); err == nil {
		cmd.Env = append(cmd.Env, externalEnv(version, scope)...)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// externalEnv tells plugins where the CLI and the resolved workspace live so
// they can read the same config and run database.
func externalEnv(version string, scope internal.Scope) []string {
	self, _ := os.Executable()
	cwd, _ := os.Getwd()

	return []string{
		"TURNTABLE_VERSION=" + version,
		"TURNTABLE_BIN=" + self,
		"TURNTABLE_ROOT=" + cwd,
		"TURNTABLE_WORKSPACE=" + scope.WorkPath,
		"TURNTABLE_CONFIG=" + scope.ConfigPath(),
		"TURNTABLE_DATABASE=" + scope.DatabasePath(),
	}
}
