//go:build linux

package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitForEvent polls sink for an event matching predicate, failing the test
// if none arrives before the deadline.
func waitForEvent(t *testing.T, sink *syncSink, deadline time.Duration, predicate func(Event) bool) Event {
	t.Helper()
	timeout := time.After(deadline)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			t.Fatalf("timed out waiting for matching event; saw: %v", sink.snapshot())
			return Event{}
		case <-ticker.C:
			for _, e := range sink.snapshot() {
				if predicate(e) {
					return e
				}
			}
		}
	}
}

// syncSink is a concurrency-safe Sink for use across foreign test
// goroutines and the loop goroutine.
type syncSink struct {
	mu     sync.Mutex
	events []Event
	errs   []string
}

func (s *syncSink) PathChanged(kind EventKind, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Kind: kind, Path: path})
}

func (s *syncSink) ReportError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, message)
}

func (s *syncSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestServerReportsFileCreation(t *testing.T) {
	dir := t.TempDir()
	sink := &syncSink{}
	server, err := New(sink, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer server.Close()

	if err := server.RegisterPaths(dir); err != nil {
		t.Fatalf("RegisterPaths: %v", err)
	}

	target := filepath.Join(dir, "created.txt")
	if err := os.WriteFile(target, []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitForEvent(t, sink, 5*time.Second, func(e Event) bool {
		return e.Kind == EventCreated && e.Path == target
	})
}

func TestServerReportsRenamePair(t *testing.T) {
	dir := t.TempDir()
	sink := &syncSink{}
	server, err := New(sink, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer server.Close()

	original := filepath.Join(dir, "original.txt")
	renamed := filepath.Join(dir, "renamed.txt")
	if err := os.WriteFile(original, []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := server.RegisterPaths(dir); err != nil {
		t.Fatalf("RegisterPaths: %v", err)
	}

	if err := os.Rename(original, renamed); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	waitForEvent(t, sink, 5*time.Second, func(e Event) bool {
		return e.Kind == EventRemoved && e.Path == original
	})
	waitForEvent(t, sink, 5*time.Second, func(e Event) bool {
		return e.Kind == EventCreated && e.Path == renamed
	})
}

func TestServerReportsWatchedDirectoryRemoval(t *testing.T) {
	parent := t.TempDir()
	watched := filepath.Join(parent, "watched")
	if err := os.Mkdir(watched, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	sink := &syncSink{}
	server, err := New(sink, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer server.Close()

	if err := server.RegisterPaths(watched); err != nil {
		t.Fatalf("RegisterPaths: %v", err)
	}

	if err := os.Remove(watched); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	waitForEvent(t, sink, 5*time.Second, func(e Event) bool {
		return e.Kind == EventRemoved && e.Path == watched
	})
}

func TestServerReportsOverflowAsInvalidate(t *testing.T) {
	dir := t.TempDir()
	sink := &syncSink{}
	server, err := New(sink, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer server.Close()

	if err := server.RegisterPaths(dir); err != nil {
		t.Fatalf("RegisterPaths: %v", err)
	}

	// Saturate the inotify queue faster than the loop goroutine can drain
	// it by creating a large number of files in rapid succession.
	for i := 0; i < 50000; i++ {
		name := filepath.Join(dir, "file")
		f, err := os.Create(name)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		f.Close()
		os.Remove(name)
	}

	waitForEvent(t, sink, 10*time.Second, func(e Event) bool {
		return e.Kind == EventInvalidate && e.Path == dir
	})
}

func TestServerHandlesConcurrentForeignRegistration(t *testing.T) {
	sink := &syncSink{}
	server, err := New(sink, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer server.Close()

	const goroutines = 8
	dirs := make([]string, goroutines)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}

	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = server.RegisterPaths(dirs[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d: RegisterPaths: %v", i, err)
		}
	}

	if got := server.Stats().WatchedPaths; got != goroutines {
		t.Fatalf("Stats().WatchedPaths = %d, want %d", got, goroutines)
	}
}

func TestServerCloseIsIdempotentFailure(t *testing.T) {
	sink := &syncSink{}
	server, err := New(sink, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := server.Close(); err != ErrClosed {
		t.Fatalf("second Close: got %v, want ErrClosed", err)
	}
}

func TestServerUnregisterReportsMissingPath(t *testing.T) {
	sink := &syncSink{}
	server, err := New(sink, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer server.Close()

	ok, err := server.UnregisterPaths("/does/not/exist")
	if err != nil {
		t.Fatalf("UnregisterPaths: %v", err)
	}
	if ok {
		t.Fatal("UnregisterPaths reported success for a path that was never registered")
	}
}
