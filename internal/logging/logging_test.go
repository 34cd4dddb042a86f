package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Level: "warn"})
	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "stake_ledger").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("json output expected: %v", err)
	}
	if entry["message"] != "shown" || entry["component"] != "stake_ledger" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Config{Format: "console", Level: "bogus"})
	logger.Info().Msg("hello")
	if !strings.Contains(buf.String(), "hello") || strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}
