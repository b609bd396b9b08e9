package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func collectEvents(t *testing.T) (func(Event), <-chan Event) {
	t.Helper()
	ch := make(chan Event, 64)
	return func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	}, ch
}

func waitFor(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
			return Event{}
		}
	}
}

func TestWatchReportsCreate(t *testing.T) {
	dir := t.TempDir()
	w := New(slog.Default())
	defer w.Close()

	fn, events := collectEvents(t)
	id, err := w.Watch(dir, false, nil, fn)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer w.Unwatch(id)

	target := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ev := waitFor(t, events, func(ev Event) bool { return ev.Path == target })
	if ev.Kind != "create" && ev.Kind != "write" {
		t.Fatalf("unexpected kind %q", ev.Kind)
	}
}

func TestWatchIgnoresPatterns(t *testing.T) {
	dir := t.TempDir()
	w := New(slog.Default())
	defer w.Close()

	fn, events := collectEvents(t)
	id, err := w.Watch(dir, false, []string{"*.log"}, fn)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer w.Unwatch(id)

	ignoredFile := filepath.Join(dir, "noise.log")
	wantedFile := filepath.Join(dir, "code.go")
	if err := os.WriteFile(ignoredFile, []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(wantedFile, []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ev := waitFor(t, events, func(ev Event) bool { return true })
	if ev.Path == ignoredFile {
		t.Fatalf("ignored file produced an event: %v", ev)
	}
	if ev.Path != wantedFile {
		t.Fatalf("got event for %q, want %q", ev.Path, wantedFile)
	}
}

func TestWatchRecursivePicksUpNewDirectories(t *testing.T) {
	dir := t.TempDir()
	w := New(slog.Default())
	defer w.Close()

	fn, events := collectEvents(t)
	id, err := w.Watch(dir, true, nil, fn)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer w.Unwatch(id)

	sub := filepath.Join(dir, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	waitFor(t, events, func(ev Event) bool { return ev.Path == sub })

	// The new directory has to be watched before writes inside it can be
	// seen; the create handler adds it asynchronously.
	nested := filepath.Join(sub, "file.go")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := os.WriteFile(nested, []byte("x"), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		got := false
		select {
		case ev := <-events:
			got = ev.Path == nested
		case <-time.After(200 * time.Millisecond):
		}
		if got {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("never saw event for nested file")
		}
	}
}

func TestUnwatchStopsEvents(t *testing.T) {
	dir := t.TempDir()
	w := New(slog.Default())
	defer w.Close()

	fn, events := collectEvents(t)
	id, err := w.Watch(dir, false, nil, fn)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	w.Unwatch(id)

	if err := os.WriteFile(filepath.Join(dir, "late.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case ev := <-events:
		t.Fatalf("got event after unwatch: %v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestUnwatchUnknownIDIsNoOp(t *testing.T) {
	w := New(slog.Default())
	defer w.Close()
	w.Unwatch("no-such-id")
}
