package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileTrail_AppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "audit.jsonl")
	trail, err := NewFileTrail(p)
	if err != nil {
		t.Fatalf("init trail: %v", err)
	}

	ev1 := Event{Timestamp: time.Unix(1, 0).UTC(), Operation: "start_session", SessionID: "sess-1", Outcome: "ok"}
	ev2 := Event{Timestamp: time.Unix(2, 0).UTC(), Operation: "save_exchange", SessionID: "sess-1", ExchangeID: "exch-1", Outcome: "error", Detail: "capture failed"}
	if err := trail.Append(ev1); err != nil {
		t.Fatalf("append1: %v", err)
	}
	if err := trail.Append(ev2); err != nil {
		t.Fatalf("append2: %v", err)
	}

	events, err := trail.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("unexpected length: %d", len(events))
	}
	if events[0].Operation != "start_session" || events[0].Outcome != "ok" {
		t.Fatalf("unexpected events[0]: %+v", events[0])
	}
	if events[1].ExchangeID != "exch-1" || events[1].Detail != "capture failed" {
		t.Fatalf("unexpected events[1]: %+v", events[1])
	}
}

func TestFileTrail_LoadSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "audit.jsonl")
	trail, err := NewFileTrail(p)
	if err != nil {
		t.Fatalf("init trail: %v", err)
	}

	if err := trail.Append(Event{Operation: "replay", Outcome: "ok"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString("not json\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = f.Close()
	if err := trail.Append(Event{Operation: "session_status", Outcome: "ok"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := trail.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("malformed line should be skipped, got %d events", len(events))
	}
}
