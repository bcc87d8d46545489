package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONComponentLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := New("info", "json", buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	trainer := Component(log, "trainer")
	trainer.Info().Int("epoch", 2).Msg("epoch done")
	trainer.Debug().Msg("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["component"] != "trainer" || entry["epoch"] != float64(2) || entry["message"] != "epoch done" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatalf("missing timestamp in %v", entry)
	}
}

func TestConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log, err := New("debug", "console", buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug().Str("model", "UNet").Msg("ready")
	if !strings.Contains(buf.String(), "ready") || !strings.Contains(buf.String(), "UNet") {
		t.Fatalf("unexpected console output %q", buf.String())
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New("loud", "json", nil); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New("info", "xml", nil); err == nil {
		t.Fatalf("expected format error")
	}
}
