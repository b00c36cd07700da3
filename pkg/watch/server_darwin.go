//go:build darwin && cgo

package watch

import (
	"sync"
	"time"

	"github.com/mutagen-io/fsevents"
)

const (
	// fseventsChannelCapacity is the capacity of each per-path raw FSEvents
	// channel.
	fseventsChannelCapacity = 50

	// fseventsFlags are installed on every stream. NoDefer means one-shot
	// events outside a coalescing window are delivered immediately; without
	// it every event would wait out the full latency window even when
	// nothing else was competing to be coalesced with it.
	fseventsFlags = fsevents.NoDefer | fsevents.WatchRoot | fsevents.FileEvents
)

// darwinWatchPoint owns one path's FSEvents stream and the goroutine
// draining it.
type darwinWatchPoint struct {
	path   string
	stream *fsevents.EventStream
	done   chan struct{}
}

// nativeState is the macOS backend's ServerState extension: one FSEvents
// stream per registered path (SPEC_FULL.md's non-recursive contract applies
// uniformly across backends, even though FSEvents watches recursively by
// nature; sub-path events are still reported, just under the registered
// root rather than filtered out).
type nativeState struct {
	latency time.Duration

	mu          sync.Mutex
	watchPoints map[string]*darwinWatchPoint

	wakeCh chan func()
}

func newNativeState(s *Server, options Options) (*nativeState, error) {
	latency := time.Duration(options.LatencyMillis) * time.Millisecond
	if latency <= 0 {
		latency = time.Millisecond
	}
	return &nativeState{
		latency:     latency,
		watchPoints: make(map[string]*darwinWatchPoint),
		wakeCh:      make(chan func(), 64),
	}, nil
}

// runLoop drains thunks from wakeCh: command batches pushed by wakeLoop and
// decoded FSEvents batches pushed by each watch point's drainStream
// goroutine. FSEvents delivers its own events on independent goroutines (one
// per stream, see registerPath), so unlike Linux and Windows this loop polls
// nothing directly; wakeCh is the single point where everything this
// backend does is serialized onto one goroutine, which is what lets it
// invoke the Sink directly from here.
func (s *Server) runLoop() {
	s.signalReady(nil)
	for !s.isTerminated() {
		fn := <-s.native.wakeCh
		fn()
	}
}

func (s *Server) teardownNative() {
	// Individual streams are stopped by closeAllWatchPoints before
	// termination; there is no instance-wide handle left to release.
}

// wakeLoop pushes a thunk that drains and executes the command queue onto
// the loop's channel, mirroring the eventfd/APC wake primitives used on the
// other two backends.
func (s *Server) wakeLoop() {
	s.native.wakeCh <- func() {
		for _, cmd := range s.queue.drain() {
			s.executeCommand(cmd)
		}
	}
}

// registerPath starts a dedicated FSEvents stream for path and a goroutine
// that decodes and forwards its events until the stream is stopped.
func (s *Server) registerPath(path string) error {
	s.native.mu.Lock()
	_, exists := s.native.watchPoints[path]
	s.native.mu.Unlock()
	if exists {
		return ErrAlreadyWatching
	}

	rawEvents := make(chan []fsevents.Event, fseventsChannelCapacity)
	stream := &fsevents.EventStream{
		Events:  rawEvents,
		Paths:   []string{path},
		Latency: s.native.latency,
		Flags:   fseventsFlags,
	}
	stream.Start()

	wp := &darwinWatchPoint{path: path, stream: stream, done: make(chan struct{})}
	go s.drainStream(wp, rawEvents)

	s.native.mu.Lock()
	s.native.watchPoints[path] = wp
	count := len(s.native.watchPoints)
	s.native.mu.Unlock()
	s.setWatchedPaths(count)
	return nil
}

// unregisterPath stops path's stream and waits for its drain goroutine to
// exit before returning, so that a subsequent register of the same path
// cannot race against a still-running stream. It runs on the loop goroutine
// (via executeCommand), so it drains wakeCh rather than blocking on wp.done
// directly: drainStream forwards decoded batches for delivery through
// wakeCh, and nothing else will service that channel while this call is
// blocked waiting for the stream to finish.
func (s *Server) unregisterPath(path string) bool {
	s.native.mu.Lock()
	wp, exists := s.native.watchPoints[path]
	if exists {
		delete(s.native.watchPoints, path)
	}
	count := len(s.native.watchPoints)
	s.native.mu.Unlock()
	if !exists {
		return false
	}
	wp.stream.Stop()
	s.drainWakeChUntil(wp.done)
	s.setWatchedPaths(count)
	return true
}

// terminateNative releases every remaining watch point. Stopping an
// EventStream is synchronous from the caller's perspective once its drain
// goroutine has exited, so this can run directly inside the Close command's
// body (server.go's executeCommand) the same way the Linux backend does.
func (s *Server) terminateNative() {
	s.closeAllWatchPoints()
}

func (s *Server) closeAllWatchPoints() {
	s.native.mu.Lock()
	points := make([]*darwinWatchPoint, 0, len(s.native.watchPoints))
	for _, wp := range s.native.watchPoints {
		points = append(points, wp)
	}
	s.native.watchPoints = make(map[string]*darwinWatchPoint)
	s.native.mu.Unlock()

	for _, wp := range points {
		wp.stream.Stop()
	}
	for _, wp := range points {
		s.drainWakeChUntil(wp.done)
	}
}

// drainWakeChUntil runs on the loop goroutine in place of a bare receive on
// done, servicing wakeCh in the meantime. It exists because drainStream (and
// wakeLoop) both deliver their work by sending a thunk on wakeCh, and the
// loop goroutine is the only reader of that channel; blocking here on a bare
// <-done while waiting for a stream to finish would deadlock against a
// drain goroutine that is itself blocked trying to send its last batch.
func (s *Server) drainWakeChUntil(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case fn := <-s.native.wakeCh:
			fn()
		}
	}
}

// drainStream forwards decoded batches for a single watch point onto
// wakeCh for delivery on the loop goroutine, until its channel closes
// (which fsevents guarantees happens after Stop completes). It must not
// call s.reportChange itself: the Sink is only ever invoked from the loop
// goroutine (see watch.go's Sink doc comment), and with N registered paths
// there are N of these goroutines running concurrently.
func (s *Server) drainStream(wp *darwinWatchPoint, rawEvents chan []fsevents.Event) {
	defer close(wp.done)
	for batch := range rawEvents {
		s.native.wakeCh <- func() {
			for _, event := range batch {
				s.handleDarwinEvent(wp, event)
			}
		}
	}
}

func (s *Server) handleDarwinEvent(wp *darwinWatchPoint, event fsevents.Event) {
	if event.Flags&(fsevents.MustScanSubDirs|fsevents.KernelDropped|fsevents.UserDropped) != 0 {
		s.reportChange(EventInvalidate, wp.path)
		return
	}
	if event.Flags&(fsevents.Mount|fsevents.Unmount) != 0 {
		s.reportChange(EventInvalidate, wp.path)
		return
	}

	var kind EventKind
	switch {
	case event.Flags&fsevents.ItemCreated != 0:
		kind = EventCreated
	case event.Flags&fsevents.ItemRemoved != 0:
		kind = EventRemoved
	case event.Flags&(fsevents.ItemModified|fsevents.ItemInodeMetaMod|fsevents.ItemChangeOwner|fsevents.ItemXattrMod|fsevents.ItemFinderInfoMod) != 0:
		kind = EventModified
	case event.Flags&fsevents.ItemRenamed != 0:
		// A rename surfaces as a single event carrying the resulting path;
		// without a paired old-name event to compare against, it is treated
		// as a Modified notification of the current path rather than
		// splitting it into a synthetic Removed/Created pair.
		kind = EventModified
	default:
		kind = EventUnknown
	}

	path := event.Path
	if path == "" {
		path = wp.path
	}
	s.reportChange(kind, path)
}
