package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCmd(version, newApp())

	if tryExternalCommand(ctx, rootCmd) {
		return
	}

	if err := fang.Execute(ctx, rootCmd); err != nil {
		stop()
		os.Exit(1)
	}
}

// tryExternalCommand hands the invocation to a turntable-* plugin unless a
// built-in command of that name exists.
func tryExternalCommand(ctx context.Context, root *cobra.Command) bool {
	if len(os.Args) < 2 {
		return false
	}

	name := os.Args[1]
	if name == "" || name[0] == '-' || isBuiltin(root, name) {
		return false
	}

	if _, err := findExternal(name); err != nil {
		return false
	}

	if err := executeExternal(ctx, name, os.Args[2:], version); err != nil {
		fmt.Fprintf(os.Stderr, "turntable %s: %v\n", name, err)
		os.Exit(1)
	}

	return true
}

func isBuiltin(root *cobra.Command, name string) bool {
	if name == "help" || name == "completion" {
		return true
	}
	for _, c := range root.Commands() {
		if c.Name() == name || c.HasAlias(name) {
			return true
		}
	}
	return false
}
