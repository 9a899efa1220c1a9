package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/4thel00z/turntable/internal"
)

func TestConfigShow(t *testing.T) {
	a := newTestApp(t)
	initProject(t)
	t.Setenv("TURNTABLE_SIMILARITY_THRESHOLD", "0.8")

	out, _, err := execute(context.Background(), a, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "similarity_threshold: 0.8") {
		t.Errorf("env override missing:\n%s", out)
	}

	out, _, err = execute(context.Background(), a, "config", "show", "--json")
	if err != nil {
		t.Fatalf("config show --json: %v", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := cfg["Matching"]; !ok {
		t.Errorf("json output missing Matching: %s", out)
	}
}

func TestConfigPath(t *testing.T) {
	a := newTestApp(t)
	dir := initProject(t)

	out, _, err := execute(context.Background(), a, "config", "path")
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if strings.TrimSpace(out) != filepath.Join(dir, ".turntable", "config.yaml") {
		t.Errorf("unexpected path %q", out)
	}
}

func TestModelsPullAndList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("weights"))
	}))
	defer srv.Close()

	a := newTestApp(t)
	dir := initProject(t)

	cfg := internal.DefaultConfig()
	cfg.Models.PatchModel = "tiny.onnx"
	if err := internal.SaveConfig(internal.ProjectAt(dir), cfg); err != nil {
		t.Fatal(err)
	}

	out, _, err := execute(context.Background(), a, "models", "pull", "--url", srv.URL)
	if err != nil {
		t.Fatalf("models pull: %v", err)
	}
	path := filepath.Join(dir, ".turntable", "models", "tiny.onnx")
	if strings.TrimSpace(out) != path {
		t.Errorf("unexpected pull output %q", out)
	}
	if data, err := os.ReadFile(path); err != nil || string(data) != "weights" {
		t.Errorf("model not downloaded: %v", err)
	}

	out, _, err = execute(context.Background(), a, "models", "list")
	if err != nil {
		t.Fatalf("models list: %v", err)
	}
	if !strings.Contains(out, "tiny.onnx") {
		t.Errorf("list missing model:\n%s", out)
	}
}

func TestModelsPullWithoutSource(t *testing.T) {
	a := newTestApp(t)
	dir := initProject(t)

	cfg := internal.DefaultConfig()
	cfg.Models.PatchModel = "custom.onnx"
	if err := internal.SaveConfig(internal.ProjectAt(dir), cfg); err != nil {
		t.Fatal(err)
	}

	if _, _, err := execute(context.Background(), a, "models", "pull"); err == nil {
		t.Error("expected error without a download URL")
	}
}
