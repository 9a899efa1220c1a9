package main

import (
	"testing"
)

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd("1.0.0", nil)

	if cmd == nil {
		t.Fatal("NewRootCmd returned nil")
	}

	if cmd.Use != "turntable" {
		t.Errorf("expected Use='turntable', got %q", cmd.Use)
	}

	if cmd.Version != "1.0.0" {
		t.Errorf("expected Version='1.0.0', got %q", cmd.Version)
	}
}

func TestRootCmdHasFlags(t *testing.T) {
	cmd := NewRootCmd("1.0.0", nil)

	for _, name := range []string{"scope", "json"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected persistent flag %q to exist", name)
		}
	}
}

func TestRootCmdSubcommands(t *testing.T) {
	cmd := NewRootCmd("1.0.0", newApp())

	for _, name := range []string{"init", "match", "watch", "serve", "runs", "models", "config"} {
		if !isBuiltin(cmd, name) {
			t.Errorf("expected subcommand %q", name)
		}
	}

	if isBuiltin(cmd, "contactsheet") {
		t.Error("contactsheet is not a built-in")
	}
	if !isBuiltin(cmd, "help") {
		t.Error("help is a built-in")
	}
}
