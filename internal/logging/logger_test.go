package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONFormatUsesTSKeyAndLowerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "info", Format: "json", Stderr: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Warn("hello", "k", "v")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["level"] != "warn" || rec["msg"] != "hello" || rec["k"] != "v" {
		t.Fatalf("unexpected record %v", rec)
	}
	if _, ok := rec["ts"]; !ok {
		t.Fatalf("missing ts in %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Level: "error", Stderr: &buf})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered, got %q", buf.String())
	}
}

func TestUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Options{Stderr: &buf})
	ctx := WithWorkItemID(WithRequestID(context.Background(), "req-1"), "wi-9")
	WithContext(ctx, logger).Info("x")
	out := buf.String()
	if !strings.Contains(out, "request_id=req-1") || !strings.Contains(out, "work_item_id=wi-9") {
		t.Fatalf("missing context fields: %q", out)
	}
}
