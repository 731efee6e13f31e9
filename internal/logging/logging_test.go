package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidLevel(t *testing.T) {
	if err := ValidLevel("warn"); err != nil {
		t.Errorf("ValidLevel(warn) = %v", err)
	}
	if err := ValidLevel("loud"); err == nil {
		t.Error("ValidLevel(loud) should fail")
	}
}

func TestInitialize_ConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	if err := Initialize(Config{Level: "info", Console: &buf}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer Close()

	Stream().Info("stream started", "session_id", "s1")
	Stream().Debug("hidden")

	output := buf.String()
	if !strings.Contains(output, "component=stream") {
		t.Errorf("missing component attr: %s", output)
	}
	if !strings.Contains(output, "session_id=s1") {
		t.Errorf("missing session attr: %s", output)
	}
	if strings.Contains(output, "hidden") {
		t.Errorf("debug record should be filtered: %s", output)
	}
}

func TestInitialize_ComponentFilter(t *testing.T) {
	var buf bytes.Buffer
	if err := Initialize(Config{Level: "debug", Console: &buf, Components: []string{"web"}}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer func() {
		Initialize(Config{Level: "info", Console: &bytes.Buffer{}})
	}()

	Web().Info("from web")
	Agent().Info("from agent")

	output := buf.String()
	if !strings.Contains(output, "from web") {
		t.Errorf("web record missing: %s", output)
	}
	if strings.Contains(output, "from agent") {
		t.Errorf("agent record should be filtered: %s", output)
	}
}

func TestConfigLoader_Component(t *testing.T) {
	var buf bytes.Buffer
	if err := Initialize(Config{Level: "debug", Console: &buf, Components: []string{"config"}}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer func() {
		Initialize(Config{Level: "info", Console: &bytes.Buffer{}})
	}()

	ConfigLoader().Info("reloaded")
	Web().Info("from web")

	output := buf.String()
	if !strings.Contains(output, "reloaded") {
		t.Errorf("config record missing: %s", output)
	}
	if strings.Contains(output, "from web") {
		t.Errorf("web record should be filtered: %s", output)
	}
}

func TestInitialize_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	var buf bytes.Buffer
	err := Initialize(Config{
		Level:     "warn",
		FileLevel: "debug",
		Console:   &buf,
		File:      &FileConfig{Path: path},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Session().Debug("debug line")
	Session().Warn("warn line")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "debug line") || !strings.Contains(string(data), "warn line") {
		t.Errorf("file log missing records: %s", data)
	}
	if strings.Contains(buf.String(), "debug line") {
		t.Errorf("console should not carry debug records: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "warn line") {
		t.Errorf("console missing warn record: %s", buf.String())
	}
}

func TestWithSession(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	WithSession(base, "abc", "/work/project").Info("hello")

	output := buf.String()
	if !strings.Contains(output, "session_id=abc") {
		t.Errorf("expected session_id in output: %s", output)
	}
	if !strings.Contains(output, "working_dir=/work/project") {
		t.Errorf("expected working_dir in output: %s", output)
	}

	buf.Reset()
	WithSession(base, "abc", "").Info("again")
	if strings.Contains(buf.String(), "working_dir") {
		t.Errorf("empty working dir should be omitted: %s", buf.String())
	}

	if WithSession(nil, "abc", "") != nil {
		t.Error("WithSession(nil) should return nil")
	}
}

func TestWithConn(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	WithConn(base, "c1", "127.0.0.1:9").Info("connected")
	if !strings.Contains(buf.String(), "conn_id=c1") {
		t.Errorf("expected conn_id in output: %s", buf.String())
	}
	if WithConn(nil, "c1", "") != nil {
		t.Error("WithConn(nil) should return nil")
	}
}

func TestDowngradeInfoToDebug(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger := DowngradeInfoToDebug(base)

	logger.Info("chatty")
	if buf.Len() != 0 {
		t.Errorf("info should be downgraded below the handler level: %s", buf.String())
	}

	logger.Warn("important")
	if !strings.Contains(buf.String(), "important") {
		t.Errorf("warn should pass through: %s", buf.String())
	}

	buf.Reset()
	verbose := DowngradeInfoToDebug(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	verbose.Info("now visible", "k", "v")
	if !strings.Contains(buf.String(), "level=DEBUG") || !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected DEBUG record with attrs: %s", buf.String())
	}
}
