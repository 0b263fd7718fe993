package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewWritesJSONToGivenWriter(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("production", "debug", &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	log.Info().Str("component", "sync_queue").Msg("queue opened")

	out := buf.String()
	if !strings.Contains(out, `"component":"sync_queue"`) {
		t.Fatalf("component field missing: %s", out)
	}
	if !strings.Contains(out, `"message":"queue opened"`) {
		t.Fatalf("message missing: %s", out)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("production", "chatty"); err == nil {
		t.Fatal("unknown level must be rejected")
	}
}

func TestEmptyLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("production", "", &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	log.Debug().Msg("hidden")
	log.Info().Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line emitted at info level: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("info line missing: %s", out)
	}
}

func TestInteractiveEnvironments(t *testing.T) {
	for _, env := range []string{"development", "dev", "local", " Dev "} {
		if !isInteractive(env) {
			t.Fatalf("%q should read as interactive", env)
		}
	}
	for _, env := range []string{"production", "staging", ""} {
		if isInteractive(env) {
			t.Fatalf("%q should not read as interactive", env)
		}
	}
}
