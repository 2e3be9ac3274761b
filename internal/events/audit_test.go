package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func readEntries(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("malformed line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestAuditSink_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	sink, err := NewAuditSink(path, 0)
	if err != nil {
		t.Fatalf("NewAuditSink failed: %v", err)
	}

	e := Event{Type: EventMigrationStarted, Timestamp: time.Now().UTC(), Data: map[string]any{"queued": true}}
	if err := sink.Write(e); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sink.Write(e); err == nil {
		t.Error("expected error writing to closed sink")
	}

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Type != EventMigrationStarted || entries[0].Data["queued"] != true {
		t.Errorf("got %+v", entries[0])
	}
}

func TestAuditSink_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewAuditSink(path, 0)
	if err != nil {
		t.Fatalf("NewAuditSink failed: %v", err)
	}
	defer sink.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Write(Event{Type: EventStepFinished}); err != nil {
				t.Errorf("Write failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(readEntries(t, path)); n != 20 {
		t.Errorf("expected 20 entries, got %d", n)
	}
}

func TestAuditSink_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	sink, err := NewAuditSink(path, 200)
	if err != nil {
		t.Fatalf("NewAuditSink failed: %v", err)
	}
	defer sink.Close()

	for i := 0; i < 10; i++ {
		if err := sink.Write(Event{Type: EventStepStarted, Data: map[string]any{"name": "copy"}}); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	if err != nil {
		t.Fatalf("ReadDir archive failed: %v", err)
	}
	if len(archived) == 0 {
		t.Fatal("expected rotated files in archive")
	}
	total := len(readEntries(t, path))
	for _, a := range archived {
		total += len(readEntries(t, filepath.Join(dir, ArchiveDir, a.Name())))
	}
	if total != 10 {
		t.Errorf("expected 10 entries across files, got %d", total)
	}
}

func TestAuditSink_AttachToBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewAuditSink(path, 0)
	if err != nil {
		t.Fatalf("NewAuditSink failed: %v", err)
	}
	defer sink.Close()

	bus := newTestBus(10)
	defer bus.Close()
	unsub := sink.Attach(bus)
	defer unsub()

	bus.Publish(Event{Type: EventDeletionFinished, Data: map[string]any{"succeeded": false}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if entries := readEntries(t, path); len(entries) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event not written to audit log")
}
