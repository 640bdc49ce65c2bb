package auditlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordTrimsToMax(t *testing.T) {
	log := New(2, nil)
	log.Record(Entry{Actor: "feed-worker", Action: "backfill.start"})
	log.Record(Entry{Actor: "feed-worker", Action: "backfill.page"})
	log.Record(Entry{Actor: "feed-worker", Action: "backfill.complete"})

	entries := log.List(0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after trim, got %d", len(entries))
	}
	if entries[len(entries)-1].Action != "backfill.complete" {
		t.Fatalf("expected newest entry last, got %q", entries[len(entries)-1].Action)
	}
}

func TestListLimit(t *testing.T) {
	log := New(10, nil)
	for i := 0; i < 5; i++ {
		log.Record(Entry{Actor: "score-engine", Action: "tick"})
	}
	if got := len(log.List(2)); got != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", got)
	}
}

func TestFileSinkWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("new file sink: %v", err)
	}
	defer sink.Close()

	log := New(10, sink)
	log.Record(Entry{Actor: "checkpoint-builder", Action: "checkpoint.submitted", Subject: "chk-1"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}

	var decoded Entry
	if err := json.Unmarshal(data[:len(data)-1], &decoded); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if decoded.Action != "checkpoint.submitted" {
		t.Fatalf("unexpected action %q", decoded.Action)
	}
}

func TestNewFileSinkEmptyPathDisabled(t *testing.T) {
	sink, err := NewFileSink("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink != nil {
		t.Fatalf("expected nil sink for empty path")
	}
}
