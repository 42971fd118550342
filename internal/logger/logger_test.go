package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")
	defer InitWithWriter(&buf, "INFO", "text")

	Debug("should not appear")
	Info("should not appear either")
	Warn("warn message", "key", "value")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("expected debug/info to be filtered out, got: %q", out)
	}
	if !strings.Contains(out, "warn message") {
		t.Fatalf("expected warn message in output, got: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")
	defer InitWithWriter(&buf, "INFO", "text")

	Info("upload started", "bucket", "my-bucket", "part", 3)

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got error %v for %q", err, buf.String())
	}
	if decoded["msg"] != "upload started" {
		t.Fatalf("unexpected msg field: %v", decoded["msg"])
	}
	if decoded["bucket"] != "my-bucket" {
		t.Fatalf("unexpected bucket field: %v", decoded["bucket"])
	}
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	SetLevel("INFO")
	SetLevel("NOT_A_LEVEL")
	if Level(currentLevel.Load()) != LevelInfo {
		t.Fatalf("expected invalid level to be ignored, got %v", Level(currentLevel.Load()))
	}
}
