package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig writes a .foreman/config.json into dir with the given logging block.
func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	confDir := filepath.Join(dir, ".foreman")
	if err := os.MkdirAll(confDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(confDir, "config.json"), []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func resetLogging() {
	CloseAll()
	logsDir = ""
	workspace = ""
	config = loggingConfig{}
	configLoaded = false
	logLevel = LevelInfo
}

func TestInitializeRequiresWorkspace(t *testing.T) {
	defer resetLogging()
	if err := Initialize(""); err == nil {
		t.Error("Initialize with empty workspace should fail")
	}
}

func TestProductionModeIsSilent(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()
	// No config file at all: production mode
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if IsDebugMode() {
		t.Error("debug mode should be off without config")
	}
	// Logging must be a no-op: no logs dir created
	Wave("this should go nowhere")
	if _, err := os.Stat(filepath.Join(dir, ".foreman", "logs")); !os.IsNotExist(err) {
		t.Error("logs directory should not exist in production mode")
	}
}

func TestDebugModeWritesCategoryFiles(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()
	writeConfig(t, dir, `{"logging":{"debug_mode":true,"level":"debug"}}`)
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("debug mode should be on")
	}

	Wave("dispatching wave %d", 1)
	WaveDebug("detail %s", "x")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, ".foreman", "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_wave.log") {
			found = true
			data, _ := os.ReadFile(filepath.Join(dir, ".foreman", "logs", e.Name()))
			if !strings.Contains(string(data), "dispatching wave 1") {
				t.Errorf("wave log missing message, got: %s", data)
			}
		}
	}
	if !found {
		t.Error("expected a wave category log file")
	}
}

func TestCategoryFiltering(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()
	writeConfig(t, dir, `{"logging":{"debug_mode":true,"level":"info","categories":{"wave":false}}}`)
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if IsCategoryEnabled(CategoryWave) {
		t.Error("wave category should be disabled")
	}
	if !IsCategoryEnabled(CategoryCheckpoint) {
		t.Error("unlisted categories should default to enabled")
	}
}

func TestLogLevelParsing(t *testing.T) {
	cases := []struct {
		level string
		want  int
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tc := range cases {
		func() {
			defer resetLogging()
			dir := t.TempDir()
			writeConfig(t, dir, `{"logging":{"debug_mode":true,"level":"`+tc.level+`"}}`)
			if err := Initialize(dir); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			if logLevel != tc.want {
				t.Errorf("level %q parsed to %d, want %d", tc.level, logLevel, tc.want)
			}
		}()
	}
}

func TestTimerStops(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()
	writeConfig(t, dir, `{"logging":{"debug_mode":true,"level":"debug"}}`)
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	timer := StartTimer(CategoryCheckpoint, "save")
	if d := timer.Stop(); d < 0 {
		t.Errorf("negative duration: %v", d)
	}
	timer = StartTimer(CategoryCheckpoint, "load")
	if d := timer.StopWithThreshold(0); d < 0 {
		t.Errorf("negative duration: %v", d)
	}
}
