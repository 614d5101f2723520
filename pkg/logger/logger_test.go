package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"default", *DefaultConfig(), false},
		{"debug", *DebugConfig(), false},
		{"bad level", Config{Level: "loud", Format: TextFormat, Output: StderrOutput}, true},
		{"bad format", Config{Level: InfoLevel, Format: "xml", Output: StderrOutput}, true},
		{"bad output", Config{Level: InfoLevel, Format: TextFormat, Output: "syslog"}, true},
		{"file without path", Config{Level: InfoLevel, Format: TextFormat, Output: FileOutput}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFieldsSurviveChaining(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&Config{Level: InfoLevel, Format: JSONFormat, DisableTimestamp: true}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter failed: %v", err)
	}

	log.WithComponent("scheduler").WithFields(Fields{"template_id": "t-1"}).Info("generated")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "scheduler" {
		t.Errorf("expected component field, got %v", entry["component"])
	}
	if entry["template_id"] != "t-1" {
		t.Errorf("expected template_id field, got %v", entry["template_id"])
	}
	if entry["msg"] != "generated" {
		t.Errorf("expected message 'generated', got %v", entry["msg"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&Config{Level: WarnLevel, Format: TextFormat}, &buf)
	if err != nil {
		t.Fatalf("NewWithWriter failed: %v", err)
	}

	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should have been filtered")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn message should have been written")
	}
}

func TestProgressTracker(t *testing.T) {
	var buf bytes.Buffer
	log, _ := NewWithWriter(&Config{Level: InfoLevel, Format: TextFormat}, &buf)

	tracker := NewProgressTracker(ProgressConfig{
		Operation:   "reconcile",
		Total:       3,
		LogInterval: time.Hour,
		Logger:      log,
	})
	tracker.Increment()
	tracker.Fail()

	if tracker.Current() != 2 {
		t.Errorf("expected 2 processed, got %d", tracker.Current())
	}
	if tracker.Failed() != 1 {
		t.Errorf("expected 1 failed, got %d", tracker.Failed())
	}

	tracker.Complete()
	if !strings.Contains(buf.String(), "Batch completed") || !strings.Contains(buf.String(), "failed=1") {
		t.Errorf("expected completion line, got %q", buf.String())
	}
}

func TestOperationLogger(t *testing.T) {
	var buf bytes.Buffer
	log, _ := NewWithWriter(&Config{Level: InfoLevel, Format: JSONFormat, DisableTimestamp: true}, &buf)

	ol := NewOperationLogger("send_pending_bills", log).WithField("run_id", "r-1")
	ol.Success("done")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), buf.String())
	}

	var last map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if last["run_id"] != "r-1" || last["status"] != "success" {
		t.Errorf("unexpected fields %v", last)
	}
}
