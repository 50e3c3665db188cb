package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithOutput("debug", "json", &buf)
	if err != nil {
		t.Fatalf("NewWithOutput: %v", err)
	}
	l.WithFields(logrus.Fields{"job_id": "j1"}).Debug("polled")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if entry["job_id"] != "j1" || entry["msg"] != "polled" || entry["level"] != "debug" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewWithOutput_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithOutput("warn", "text", &buf)
	if err != nil {
		t.Fatalf("NewWithOutput: %v", err)
	}
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
}

func TestNewWithOutput_Invalid(t *testing.T) {
	if _, err := NewWithOutput("loud", "text", &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for bad level")
	}
	if _, err := NewWithOutput("info", "xml", &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for bad format")
	}
}
