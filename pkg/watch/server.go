package watch

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pathnotify/engine/internal/logging"
)

// startupTimeout bounds how long New will wait for the loop goroutine to
// either report that it started successfully or report an initialization
// failure.
const startupTimeout = 10 * time.Second

// Server owns one platform watching backend and runs it on a single
// dedicated loop goroutine. All watch-point mutation happens on that
// goroutine; RegisterPaths, UnregisterPaths, and Close communicate with it
// exclusively by submitting Commands.
//
// A Server must not be used after Close returns.
type Server struct {
	sink    Sink
	options Options
	logger  *logging.Logger

	queue commandQueue

	mu         sync.Mutex
	closed     bool
	terminated bool
	stats      Stats

	loopDone  chan struct{}
	loopReady chan error

	// native holds the platform-specific watch-point table and OS handles.
	// Its type and contents are defined per-platform (server_linux.go,
	// server_windows.go, server_darwin.go, server_unsupported.go). Only the
	// loop goroutine touches its watch-point state; wakeLoop, called from
	// submitting goroutines, uses only its wake primitive.
	native *nativeState
}

// New constructs a Server, starts its loop goroutine, and blocks until the
// loop either signals that it started successfully or reports an
// initialization failure. It corresponds to the engine's create operation.
func New(sink Sink, options Options) (*Server, error) {
	if sink == nil {
		panic("watch: sink must not be nil")
	}

	s := &Server{
		sink:      sink,
		options:   options,
		logger:    logging.RootLogger.Sublogger("watch"),
		loopDone:  make(chan struct{}),
		loopReady: make(chan error, 1),
	}

	native, err := newNativeState(s, options)
	if err != nil {
		return nil, err
	}
	s.native = native

	go s.run()

	select {
	case err := <-s.loopReady:
		if err != nil {
			<-s.loopDone
			return nil, err
		}
	case <-time.After(startupTimeout):
		return nil, errors.New("starting thread timed out")
	}

	return s, nil
}

// run is the loop goroutine's entry point. It runs the platform-specific
// loop body to completion and then releases the OS handles that outlive
// individual watch points (the inotify/eventfd instance on Linux, the thread
// handle on Windows; the macOS backend has none).
func (s *Server) run() {
	defer close(s.loopDone)
	s.runLoop()
	s.teardownNative()
}

// signalReady is called exactly once by each platform's runLoop
// implementation, immediately after the backend has finished whatever
// initialization can fail, to release the goroutine blocked in New.
func (s *Server) signalReady(err error) {
	s.loopReady <- err
}

// rawSubmit pushes a command onto the queue, wakes the loop, and waits for
// completion. It performs no closed-state checking; callers that need to
// reject operations after Close has been called do that check themselves.
func (s *Server) rawSubmit(cmd *Command) (bool, error) {
	s.queue.push(cmd)
	s.wakeLoop()
	return cmd.wait()
}

// RegisterPaths adds paths to the watch-point table, each watched
// non-recursively (Linux, Windows) or per FSEvents semantics (macOS). If any
// path is already watched, that path fails with ErrAlreadyWatching and the
// remaining paths in the batch are still attempted; the first failure
// encountered is returned.
func (s *Server) RegisterPaths(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	_, err := s.rawSubmit(newCommand(commandRegister, paths))
	return err
}

// UnregisterPaths removes paths from the watch-point table. It returns true
// iff every path was watched; missing paths are logged and cause the
// overall result to be false, but remaining paths in the batch are still
// unregistered.
func (s *Server) UnregisterPaths(paths ...string) (bool, error) {
	if len(paths) == 0 {
		return true, nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false, ErrClosed
	}

	return s.rawSubmit(newCommand(commandUnregister, paths))
}

// Close terminates the loop, releasing every OS handle the Server holds,
// and waits for the loop goroutine to exit. The Server must not be used
// after Close returns. A second call to Close is a deterministic, immediate
// failure.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	_, err := s.rawSubmit(newCommand(commandClose, nil))
	<-s.loopDone
	return err
}

// Stats returns a point-in-time snapshot of the Server's activity.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// executeCommand runs a single Command's body. It is only ever called from
// the loop goroutine, in response to draining the command queue after the
// wake primitive fires.
func (s *Server) executeCommand(cmd *Command) {
	switch cmd.kind {
	case commandRegister:
		var firstErr error
		for _, path := range cmd.paths {
			if err := s.registerPath(path); err != nil {
				s.logger.Warn(errors.Wrap(err, "register failed"), logging.Path(path))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			s.logger.Debug("registered", logging.Path(path))
		}
		cmd.complete(firstErr == nil, firstErr)
	case commandUnregister:
		allFound := true
		for _, path := range cmd.paths {
			if !s.unregisterPath(path) {
				s.logger.Warn(ErrNotWatching, logging.Path(path))
				allFound = false
				continue
			}
			s.logger.Debug("unregistered", logging.Path(path))
		}
		cmd.complete(allFound, nil)
	case commandClose:
		s.logger.Debug("closing", logging.Command(cmd.kind.String()))
		// terminateNative's contract varies by backend: on Linux and macOS
		// it synchronously tears down every watch point before returning,
		// since teardown there cannot outlive this call. On Windows it is a
		// no-op, because cancellation there is asynchronous; that backend's
		// own runLoop performs the cancel-then-flush sequence itself once it
		// observes the termination flag set below.
		s.terminateNative()
		s.mu.Lock()
		s.terminated = true
		s.mu.Unlock()
		cmd.complete(true, nil)
	}
}

// isTerminated reports whether the termination flag has been set. It is
// safe to call from the loop goroutine at any time.
func (s *Server) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// setWatchedPaths records the current size of the watch-point table for
// Stats. It is only ever called from the loop goroutine.
func (s *Server) setWatchedPaths(n int) {
	s.mu.Lock()
	s.stats.WatchedPaths = n
	s.mu.Unlock()
}

// reportChange delivers a single normalized event to the sink, recovering
// from any panic the sink raises and funneling it to reportError instead —
// the Go analogue of catching an exception thrown from report_change.
func (s *Server) reportChange(kind EventKind, path string) {
	s.mu.Lock()
	s.stats.EventsReported++
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.reportError(errors.Errorf("sink panicked handling change: %v", r))
		}
	}()
	s.sink.PathChanged(kind, path)
}

// reportError delivers an error to the sink. Failures raised by the sink's
// ReportError method are logged and swallowed, never propagated.
func (s *Server) reportError(err error) {
	s.mu.Lock()
	s.stats.ErrorsReported++
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn(errors.Errorf("sink panicked handling error report: %v", r))
		}
	}()
	s.sink.ReportError(err.Error())
}
