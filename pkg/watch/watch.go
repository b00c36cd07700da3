// Package watch implements a cross-platform filesystem change notification
// engine. It watches a set of absolute directory paths and delivers
// normalized change events — creation, removal, modification, overflow, or
// unknown — to a host-supplied Sink.
//
// A Server owns exactly one OS-level watching backend (inotify on Linux,
// ReadDirectoryChangesW on Windows, FSEvents on macOS) and runs it on a
// single dedicated loop goroutine. All mutation of watcher state happens on
// that goroutine; other goroutines interact with a Server only by submitting
// Commands (see command.go) and waiting for their completion.
package watch

import "github.com/pkg/errors"

// EventKind identifies the normalized taxonomy of change events the engine
// emits. It intentionally collapses backend-specific detail (inotify masks,
// FILE_NOTIFY_INFORMATION actions, FSEvents flags) down to five values.
type EventKind int

const (
	// EventCreated indicates that a path was created or moved into a watched
	// directory.
	EventCreated EventKind = iota
	// EventRemoved indicates that a path was deleted, moved away, or that a
	// watched directory itself was deleted.
	EventRemoved
	// EventModified indicates that the contents or metadata of a path
	// changed.
	EventModified
	// EventInvalidate indicates that the backend's event queue overflowed
	// (Linux) or truncated a completion (Windows); the host should treat its
	// view of the affected directory as stale and re-scan it.
	EventInvalidate
	// EventUnknown indicates a backend-reported change that doesn't map onto
	// any of the other kinds.
	EventUnknown
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventRemoved:
		return "removed"
	case EventModified:
		return "modified"
	case EventInvalidate:
		return "invalidate"
	case EventUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// Event is a single normalized change notification.
type Event struct {
	// Kind is the normalized event taxonomy value.
	Kind EventKind
	// Path is the absolute path the event pertains to.
	Path string
}

// Sink is the host-supplied callback surface that receives normalized events
// and errors. Both methods are invoked exclusively from the Server's loop
// goroutine; implementations that are not safe for reentrant or concurrent
// use from other Servers are still fine so long as a single Sink instance is
// only ever handed to one Server.
//
// A Sink must not block indefinitely: the loop goroutine is blocked for the
// duration of the call, which delays event decoding and command processing
// for the owning Server.
type Sink interface {
	// PathChanged reports a single normalized change event.
	PathChanged(kind EventKind, path string)
	// ReportError reports an engine-internal failure that does not
	// correspond to a specific caller-facing operation (a failed command
	// carries its failure back to the caller directly instead).
	ReportError(message string)
}

// Options carries the per-backend construction parameters described by the
// engine's external interface. Fields not relevant to the active backend are
// ignored, rather than the API being split into three backend-specific
// constructors: Go has no natural overloading story for that, and the
// underlying platforms already converge on "one options value per Server"
// (see SPEC_FULL.md §6.1).
type Options struct {
	// BufferSize is the per-watch-point completion buffer size, in bytes,
	// used by the Windows backend. Zero selects a default of 64 KiB.
	BufferSize int
	// LatencyMillis is the FSEvents coalescing latency, in milliseconds,
	// used by the macOS backend. Zero requests the finest latency FSEvents
	// will provide.
	LatencyMillis int
	// MaximumWatches bounds the number of concurrently active inotify watch
	// descriptors on Linux; once exceeded, the least-recently-registered
	// path is evicted. Zero selects a default of 8192.
	MaximumWatches int
}

// Stats is a point-in-time, lock-guarded snapshot of a Server's activity. It
// is a supplemental read-only view (see SPEC_FULL.md §6.2) and is not part
// of the core register/unregister/close contract.
type Stats struct {
	// WatchedPaths is the number of paths currently present in the
	// watch-point table.
	WatchedPaths int
	// EventsReported is the cumulative number of change events delivered to
	// the sink over the Server's lifetime.
	EventsReported uint64
	// ErrorsReported is the cumulative number of errors delivered to the
	// sink over the Server's lifetime.
	ErrorsReported uint64
}

// Sentinel errors reported to callers of the engine's external interface.
var (
	// ErrAlreadyWatching indicates that register_paths was called for a path
	// that is already present in the watch-point table.
	ErrAlreadyWatching = errors.New("already watching path")
	// ErrNotWatching indicates that unregister_paths was called for a path
	// that is not present in the watch-point table.
	ErrNotWatching = errors.New("path is not being watched")
	// ErrClosed indicates that an operation was attempted on a Server after
	// Close had already been called or was in progress.
	ErrClosed = errors.New("closed already")
	// ErrWatchTerminated indicates that the Server's loop exited before a
	// pending operation could complete.
	ErrWatchTerminated = errors.New("watch terminated")
)
