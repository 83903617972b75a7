// ABOUTME: Tests for log setup
// ABOUTME: Verifies file output and debug gating
package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWritesToFile(t *testing.T) {
	defer log.SetOutput(os.Stderr)

	path := filepath.Join(t.TempDir(), "test.log")
	closer, err := Setup(path, false)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	log.Printf("hello from test")
	NewDebugf(true)("packet %d", 7)
	NewDebugf(false)("should not appear")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, "hello from test") {
		t.Errorf("log file missing message: %q", out)
	}
	if !strings.Contains(out, "[DEBUG] packet 7") {
		t.Errorf("log file missing debug line: %q", out)
	}
	if strings.Contains(out, "should not appear") {
		t.Errorf("disabled debug line was written: %q", out)
	}
}

func TestSetupBadPath(t *testing.T) {
	if _, err := Setup(filepath.Join(t.TempDir(), "missing", "dir", "x.log"), true); err == nil {
		t.Error("expected error for unwritable path")
	}
}
