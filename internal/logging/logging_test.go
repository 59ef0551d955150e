package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"trace", LevelTrace},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestHasFmtVerb(t *testing.T) {
	if !hasFmtVerb("value is %d") {
		t.Error("expected %d to be detected")
	}
	if hasFmtVerb("100%% done") {
		t.Error("escaped percent should not count")
	}
	if hasFmtVerb("plain message") {
		t.Error("plain message has no verbs")
	}
}

func TestStructuredAndPrintf(t *testing.T) {
	var buf bytes.Buffer
	Init(&LogConfig{Level: LevelDebug, Output: &buf})
	defer Init(nil)

	L_info("stream: started", "provider", "openai")
	L_warn("attempt %d failed", 2)

	out := buf.String()
	if !strings.Contains(out, "stream: started") || !strings.Contains(out, "provider=openai") {
		t.Errorf("structured log missing fields: %q", out)
	}
	if !strings.Contains(out, "attempt 2 failed") {
		t.Errorf("printf log not formatted: %q", out)
	}
}

func TestSetLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(&LogConfig{Level: LevelWarn, Output: &buf})
	defer Init(nil)

	L_debug("hidden")
	L_error("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message should be filtered: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("error message should be logged: %q", out)
	}
}
