package log

import (
	"bytes"
	"strings"
	"testing"
)

func captureOutput(t *testing.T, level Level) *bytes.Buffer {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(nil)
		SetLevel(LevelNone)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t, LevelWarning)
	Debug("hidden %d", 1)
	Info("hidden %d", 2)
	Warning("shown %d", 3)
	Error("shown %d", 4)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("lines above the configured level were logged: %q", out)
	}
	if !strings.Contains(out, "[warn ] shown 3") || !strings.Contains(out, "[error] shown 4") {
		t.Errorf("expected warning and error lines, got %q", out)
	}
}

func TestNamedLoggerPrefix(t *testing.T) {
	buf := captureOutput(t, LevelDebug)
	Named("dji-device").With("AA:BB").Debug("tx %02x", []byte{0x55})
	if !strings.Contains(buf.String(), "dji-device[AA:BB]: tx 55") {
		t.Errorf("unexpected line %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]Level{"none": LevelNone, "warning": LevelWarning, "debug": LevelDebug} {
		got, err := ParseLevel(name)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
