package auditstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/datacline/mcp-gateway/internal/domain/audit"
)

func sampleEvent(subject string) *audit.Event {
	ev := audit.NewEvent(audit.EventToolInvocation, subject, "invoke_tool")
	ev.Server = "weather"
	ev.Tool = "forecast"
	ev.Status = audit.StatusSuccess
	return ev
}

func TestLineSinkWritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLineSink(&buf)

	for _, subject := range []string{"alice", "bob"} {
		if err := sink.Record(context.Background(), sampleEvent(subject)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	scanner := bufio.NewScanner(&buf)
	var lines int
	for scanner.Scan() {
		lines++
		var ev audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if ev.EventType != audit.EventToolInvocation {
			t.Errorf("event_type = %s", ev.EventType)
		}
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2", lines)
	}
}

func TestLineSinkRejectsUnknownEventType(t *testing.T) {
	sink := NewLineSink(&bytes.Buffer{})
	ev := audit.NewEvent("made_up", "x", "y")
	if err := sink.Record(context.Background(), ev); !errors.Is(err, audit.ErrUnknownEventType) {
		t.Errorf("error = %v, want ErrUnknownEventType", err)
	}
}

func TestFileSinkAppendsAndSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	sink, err := NewFileSink(FileSinkConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if err := sink.Record(context.Background(), sampleEvent("alice")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening appends rather than truncates.
	sink, err = NewFileSink(FileSinkConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := sink.Record(context.Background(), sampleEvent("bob")); err != nil {
		t.Fatalf("Record after reopen: %v", err)
	}
	sink.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("log lines = %d, want 2", got)
	}
}

func TestFileSinkConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewFileSink(FileSinkConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	defer sink.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				if err := sink.Record(context.Background(), sampleEvent("worker")); err != nil {
					t.Errorf("Record: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var lines int
	for scanner.Scan() {
		lines++
		var ev audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("interleaved write produced invalid JSON on line %d: %v", lines, err)
		}
	}
	if lines != 200 {
		t.Errorf("lines = %d, want 200", lines)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	ev := sampleEvent("alice")
	ev.RequestID = "req-1"
	ev.Parameters = map[string]any{"city": "oslo"}
	ev.DurationMS = 12
	if err := store.Record(context.Background(), ev); err != nil {
		t.Fatalf("Record: %v", err)
	}

	denied := audit.NewEvent(audit.EventPolicyViolation, "eve", "invoke_tool")
	denied.Status = audit.StatusDenied
	denied.PolicyDecision = "denied by rule: ban-eve"
	if err := store.Record(context.Background(), denied); err != nil {
		t.Fatalf("Record denied: %v", err)
	}

	events, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Recent len = %d, want 2", len(events))
	}
	// Newest first.
	if events[0].EventType != audit.EventPolicyViolation {
		t.Errorf("first event = %s, want policy_violation", events[0].EventType)
	}
	if events[1].Parameters["city"] != "oslo" {
		t.Errorf("parameters did not round-trip: %v", events[1].Parameters)
	}
	if events[1].RequestID != "req-1" || events[1].DurationMS != 12 {
		t.Errorf("fields did not round-trip: %+v", events[1])
	}
}

func TestMultiSinkFanOut(t *testing.T) {
	var a, b bytes.Buffer
	multi := audit.MultiSink{NewLineSink(&a), NewLineSink(&b)}
	if err := multi.Record(context.Background(), sampleEvent("alice")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if a.Len() == 0 || b.Len() == 0 {
		t.Error("both sinks should receive the event")
	}
}
