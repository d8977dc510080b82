package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestExtension(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	raw := `{
		"id": "` + id + `",
		"name": "Test Extension",
		"version": "1.0.0",
		"minFrameworkVersion": "0.1.0",
		"capabilities": [
			{"name": "fetch", "kind": "API", "exclusive": false}
		]
	}`
	if err := os.WriteFile(filepath.Join(dir, "tapestry.json"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
}

func withTestEnv(t *testing.T) {
	t.Helper()
	extRoot := t.TempDir()
	writeTestExtension(t, extRoot, "clock_widget")
	t.Setenv("TAPESTRY_EXTENSIONS_ROOT", extRoot)
	t.Setenv("TAPESTRY_PERSISTENCE_ROOT", t.TempDir())
	t.Setenv("TAPESTRY_PERSISTENCE_BACKEND", "file")
}

func TestRunStatusJSON(t *testing.T) {
	withTestEnv(t)
	var stdout, stderr bytes.Buffer

	code := Run([]string{"tapestryctl", "status", "--json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "\"phase\"") {
		t.Errorf("expected phase field in output, got %s", stdout.String())
	}
}

func TestRunExtensionsListsDiscovered(t *testing.T) {
	withTestEnv(t)
	var stdout, stderr bytes.Buffer

	code := Run([]string{"tapestryctl", "extensions"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "clock_widget") {
		t.Errorf("expected clock_widget in output, got %s", stdout.String())
	}
	if !strings.Contains(stdout.String(), "READY") {
		t.Errorf("expected clock_widget to be READY, got %s", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"tapestryctl", "bogus"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"tapestryctl"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stdout.String(), "tapestryctl <command>") {
		t.Errorf("expected usage output, got %s", stdout.String())
	}
}
