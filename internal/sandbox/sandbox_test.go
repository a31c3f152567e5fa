package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func testConfig() Config {
	return Config{
		Timeout:         2 * time.Second,
		KillGrace:       500 * time.Millisecond,
		StdoutHeadBytes: 1000,
		StderrHeadBytes: 500,
	}
}

func TestRunPythonSuccess(t *testing.T) {
	if _, err := os.Stat("/usr/bin/python3"); err != nil {
		t.Skip("python3 not available in sandbox")
	}
	dir := t.TempDir()
	script := writeScript(t, dir, "main.py", "print('ok')\n")

	res := Run(t.Context(), testConfig(), LanguagePython, dir, script)
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if !strings.Contains(res.StdoutHead, "ok") {
		t.Fatalf("stdout = %q, want to contain ok", res.StdoutHead)
	}
}

func TestRunUnsupportedLanguage(t *testing.T) {
	res := Run(t.Context(), testConfig(), Language("ruby"), t.TempDir(), "main.rb")
	if res.Err == nil {
		t.Fatalf("expected error for unsupported language")
	}
}

func TestRunTimeout(t *testing.T) {
	if _, err := os.Stat("/usr/bin/python3"); err != nil {
		t.Skip("python3 not available in sandbox")
	}
	dir := t.TempDir()
	script := writeScript(t, dir, "main.py", "import time\ntime.sleep(10)\n")

	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.KillGrace = 100 * time.Millisecond

	res := Run(t.Context(), cfg, LanguagePython, dir, script)
	if !res.TimedOut {
		t.Fatalf("expected TimedOut=true, got result %+v", res)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	if _, err := os.Stat("/usr/bin/python3"); err != nil {
		t.Skip("python3 not available in sandbox")
	}
	dir := t.TempDir()
	script := writeScript(t, dir, "main.py", "import sys\nsys.exit(3)\n")

	res := Run(t.Context(), testConfig(), LanguagePython, dir, script)
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Err == nil {
		t.Fatalf("expected non-nil Err for non-zero exit")
	}
}

func TestHeadTruncation(t *testing.T) {
	if got := head("hello world", 5); got != "hello" {
		t.Fatalf("head = %q, want hello", got)
	}
	if got := head("hi", 5); got != "hi" {
		t.Fatalf("head = %q, want hi", got)
	}
}
