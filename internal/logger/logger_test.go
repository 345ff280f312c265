package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "text")

	Info("lease renewed", "lock_id", "ns/key", "age_s", 3.25)

	out := buf.String()
	if !strings.Contains(out, "[INFO]") {
		t.Errorf("expected level marker in output, got %q", out)
	}
	if !strings.Contains(out, "lock_id=ns/key") {
		t.Errorf("expected structured field in output, got %q", out)
	}
	if !strings.Contains(out, "age_s=3.250") {
		t.Errorf("expected float formatting in output, got %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("should not appear")
	Info("should not appear either")
	Warn("visible")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("low-level records leaked through filter: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")

	Info("index merged", "added", 2, "removed", 1)

	out := buf.String()
	if !strings.Contains(out, `"msg":"index merged"`) {
		t.Errorf("expected JSON record, got %q", out)
	}

	// Restore defaults so other tests are unaffected.
	InitWithWriter(&buf, "INFO", "text")
}
