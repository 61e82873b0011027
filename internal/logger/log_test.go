package logger

import (
	"bytes"
	"strings"
	"testing"

	"serial-ingest/internal/config"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func TestNewJSONCarriesServiceAndInstance(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	l := New(config.Config{ServiceName: "serial-ingest", InstanceID: "rig-1", LogLevel: "warn"}, &buf)

	l.Info().Msg("dropped")
	l.Warn().Str("port", "/dev/ttyACM0").Msg("read failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want only the warn line: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	for k, want := range map[string]string{
		"level":    "warn",
		"service":  "serial-ingest",
		"instance": "rig-1",
		"port":     "/dev/ttyACM0",
		"message":  "read failed",
	} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %s", k, entry[k], want)
		}
	}
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	l := New(config.Config{LogLevel: "loud"}, &buf)
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")

	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("output = %q", out)
	}
}

func TestNewPrettyIsNotJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	l := New(config.Config{LogPretty: true, ServiceName: "serial-ingest"}, &buf)
	l.Info().Msg("listening")

	out := buf.String()
	if strings.HasPrefix(out, "{") || !strings.Contains(out, "listening") {
		t.Errorf("pretty output = %q", out)
	}
}
