//go:build windows

package watch

import (
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/pathnotify/engine/internal/logging"
)

// procQueueUserAPC is declared by hand because golang.org/x/sys/windows does
// not wrap QueueUserAPC; every other primitive the backend needs
// (ReadDirectoryChanges with a completion routine, SleepEx, OpenThread) is
// already exposed there.
var (
	modkernel32      = windows.NewLazySystemDLL("kernel32.dll")
	procQueueUserAPC = modkernel32.NewProc("QueueUserAPC")
)

// threadAccessForAPC is the access mask OpenThread needs so the resulting
// handle can be used both as a QueueUserAPC target and, at shutdown, closed
// cleanly. THREAD_ALL_ACCESS isn't exposed by golang.org/x/sys/windows, so
// the narrower mask actually required is spelled out by hand.
const threadAccessForAPC = windows.THREAD_SET_CONTEXT | windows.THREAD_QUERY_INFORMATION | 0x00100000 // SYNCHRONIZE

func queueUserAPC(apc uintptr, thread windows.Handle, data uintptr) error {
	ret, _, callErr := procQueueUserAPC.Call(apc, uintptr(thread), data)
	if ret == 0 {
		return callErr
	}
	return nil
}

// errWatchPointDeleted signals that a WatchPoint's directory no longer
// exists, discovered while trying to reissue ReadDirectoryChangesW. It is
// local to this file and distinct from the public ErrWatchTerminated, which
// describes a pending caller operation losing its server rather than one
// watch point losing its directory.
var errWatchPointDeleted = errors.New("watch point directory deleted")

const (
	// windowsBufferSize is the default per-watch-point completion buffer
	// size used when Options.BufferSize is unset.
	windowsBufferSize = 64 * 1024

	// windowsWatchFlags are the FILE_NOTIFY_CHANGE flags installed for
	// every watch point.
	windowsWatchFlags = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
		windows.FILE_NOTIFY_CHANGE_DIR_NAME |
		windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
		windows.FILE_NOTIFY_CHANGE_SIZE |
		windows.FILE_NOTIFY_CHANGE_LAST_WRITE |
		windows.FILE_NOTIFY_CHANGE_CREATION

	windowsShareMode   = windows.FILE_SHARE_READ | windows.FILE_SHARE_WRITE | windows.FILE_SHARE_DELETE
	windowsCreateFlags = windows.FILE_FLAG_BACKUP_SEMANTICS | windows.FILE_FLAG_OVERLAPPED
)

// watchPointStatus is the Windows WatchPoint state machine
// (SPEC_FULL.md §4.2): unlike Linux, presence in the table is not enough to
// know whether a watch point is actively listening.
type watchPointStatus int

const (
	statusNotListening watchPointStatus = iota
	statusListening
	statusCancelled
	statusFinished
)

// windowsWatchPoint mirrors the original WatchPoint: a directory handle, an
// OVERLAPPED structure whose hEvent field carries a token that maps back to
// this struct (so the completion routine can recover it via
// watchPointFromToken), and a reusable read buffer.
type windowsWatchPoint struct {
	server *Server
	path   string // long-path-normalized

	handle     windows.Handle
	overlapped windows.Overlapped
	buffer     []byte
	status     watchPointStatus
}

// nativeState is the Windows backend's ServerState extension.
type nativeState struct {
	bufferSize int

	// threadHandle is a duplicate handle to the loop goroutine's OS thread,
	// used as the QueueUserAPC target. It is only valid because the loop
	// goroutine calls runtime.LockOSThread for its entire lifetime.
	threadHandle windows.Handle

	mu          sync.Mutex
	watchPoints map[string]*windowsWatchPoint
}

func newNativeState(s *Server, options Options) (*nativeState, error) {
	bufferSize := options.BufferSize
	if bufferSize <= 0 {
		bufferSize = windowsBufferSize
	}
	return &nativeState{
		bufferSize:  bufferSize,
		watchPoints: make(map[string]*windowsWatchPoint),
	}, nil
}

// apcCommand carries a command across the QueueUserAPC boundary. It cannot
// be passed as a Go pointer through the raw uintptr APC data parameter
// safely across a garbage collection cycle, so a handle is pinned in
// apcPending until the callback runs.
type apcCommand struct {
	server *Server
}

var (
	apcPendingMu sync.Mutex
	apcPending   = make(map[uintptr]*apcCommand)
	apcNextID    uintptr
)

// runLoop is the loop goroutine's entry point on Windows. It locks itself to
// its OS thread (APCs are delivered to threads, not goroutines), opens a
// duplicate handle to that thread for QueueUserAPC targeting, and then waits
// alertably forever, exactly like the original SleepEx(INFINITE, true) loop.
func (s *Server) runLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	handle, err := windows.OpenThread(threadAccessForAPC, false, windows.GetCurrentThreadId())
	if err != nil {
		s.signalReady(errors.Wrap(err, "unable to open watch thread"))
		return
	}
	s.native.threadHandle = handle
	s.signalReady(nil)

	for !s.isTerminated() {
		windows.SleepEx(windows.INFINITE, true)
	}

	s.native.mu.Lock()
	points := make([]*windowsWatchPoint, 0, len(s.native.watchPoints))
	for _, wp := range s.native.watchPoints {
		points = append(points, wp)
	}
	s.native.mu.Unlock()

	pending := 0
	for _, wp := range points {
		if wp.cancel() {
			pending++
		}
	}
	if pending > 0 {
		windows.SleepEx(0, true)
	}

	for _, wp := range points {
		if wp.status != statusFinished {
			s.logger.Warn(errors.New("watch point did not finish before shutdown"), logging.Path(wp.path))
		}
	}

	s.native.mu.Lock()
	s.native.watchPoints = make(map[string]*windowsWatchPoint)
	s.native.mu.Unlock()
}

// teardownNative closes the loop thread's duplicated handle. Individual
// watch-point directory handles are released as their cancellations
// complete, from apcCancelCallback / apcCompletionCallback.
func (s *Server) teardownNative() {
	if s.native.threadHandle != 0 {
		windows.CloseHandle(s.native.threadHandle)
	}
}

// wakeLoop queues an APC that drains and executes the command queue on the
// loop goroutine's thread; it is the Windows analogue of writing to the
// Linux wake eventfd.
func (s *Server) wakeLoop() {
	apcPendingMu.Lock()
	id := apcNextID
	apcNextID++
	apcPending[id] = &apcCommand{server: s}
	apcPendingMu.Unlock()

	if err := queueUserAPC(drainQueueCallback, s.native.threadHandle, id); err != nil {
		apcPendingMu.Lock()
		delete(apcPending, id)
		apcPendingMu.Unlock()
		s.logger.Warn(errors.Wrap(err, "unable to queue command APC"))
	}
}

var drainQueueCallback = syscall.NewCallback(func(data uintptr) uintptr {
	apcPendingMu.Lock()
	entry, ok := apcPending[data]
	delete(apcPending, data)
	apcPendingMu.Unlock()
	if !ok {
		return 0
	}
	for _, cmd := range entry.server.queue.drain() {
		entry.server.executeCommand(cmd)
	}
	return 0
})

// registerPath creates a WatchPoint and issues its first ReadDirectoryChanges
// call. It is only ever called from the loop goroutine (via executeCommand).
func (s *Server) registerPath(path string) error {
	longPath := normalizeForWindows(path)

	s.native.mu.Lock()
	_, exists := s.native.watchPoints[longPath]
	s.native.mu.Unlock()
	if exists {
		return ErrAlreadyWatching
	}

	pathPtr, err := windows.UTF16PtrFromString(longPath)
	if err != nil {
		return errors.Wrapf(err, "unable to encode path %s", path)
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.FILE_LIST_DIRECTORY,
		uint32(windowsShareMode),
		nil,
		windows.OPEN_EXISTING,
		uint32(windowsCreateFlags),
		0,
	)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", path)
	}

	wp := &windowsWatchPoint{
		server: s,
		path:   longPath,
		handle: handle,
		buffer: make([]byte, s.native.bufferSize),
	}
	wp.overlapped.HEvent = windows.Handle(watchPointToken(wp))

	if err := wp.listen(); err != nil {
		return err
	}

	s.native.mu.Lock()
	s.native.watchPoints[longPath] = wp
	count := len(s.native.watchPoints)
	s.native.mu.Unlock()
	s.setWatchedPaths(count)
	return nil
}

// unregisterPath cancels and removes a single WatchPoint.
func (s *Server) unregisterPath(path string) bool {
	longPath := normalizeForWindows(path)
	s.native.mu.Lock()
	wp, exists := s.native.watchPoints[longPath]
	if exists {
		delete(s.native.watchPoints, longPath)
	}
	count := len(s.native.watchPoints)
	s.native.mu.Unlock()
	if !exists {
		return false
	}
	wp.cancel()
	s.setWatchedPaths(count)
	return true
}

// terminateNative is a no-op on Windows: cancellation is asynchronous
// (CancelIoEx only requests cancellation; the completion routine that
// actually releases the directory handle may run later, from an APC), so
// tearing down watch points cannot happen synchronously inside the Close
// command's body the way it can on Linux and macOS. Instead runLoop's
// post-loop sweep, which runs after the termination flag it is waiting on
// is set, is the sole place watch points are cancelled and given a final
// alertable wait to flush their completions.
func (s *Server) terminateNative() {}

// watchPointTokens pins live *windowsWatchPoint values behind small integer
// handles so a stable, GC-safe value can travel through OVERLAPPED.HEvent
// and back out again inside the completion routine.
var (
	watchPointTokensMu  sync.Mutex
	watchPointTokens    = make(map[uintptr]*windowsWatchPoint)
	watchPointNextToken uintptr
)

func watchPointToken(wp *windowsWatchPoint) uintptr {
	watchPointTokensMu.Lock()
	defer watchPointTokensMu.Unlock()
	watchPointNextToken++
	token := watchPointNextToken
	watchPointTokens[token] = wp
	return token
}

func watchPointFromToken(token uintptr) *windowsWatchPoint {
	watchPointTokensMu.Lock()
	defer watchPointTokensMu.Unlock()
	return watchPointTokens[token]
}

func releaseWatchPointToken(token uintptr) {
	watchPointTokensMu.Lock()
	delete(watchPointTokens, token)
	watchPointTokensMu.Unlock()
}

// listen issues (or reissues) the ReadDirectoryChangesW call underlying this
// WatchPoint.
func (wp *windowsWatchPoint) listen() error {
	var bytesReturned uint32
	err := windows.ReadDirectoryChanges(
		wp.handle,
		&wp.buffer[0],
		uint32(len(wp.buffer)),
		false,
		windowsWatchFlags,
		&bytesReturned,
		&wp.overlapped,
		completionCallback,
	)
	if err != nil {
		wp.finish()
		if err == windows.ERROR_ACCESS_DENIED && !wp.isValidDirectory() {
			return errWatchPointDeleted
		}
		return errors.Wrapf(err, "unable to watch %s", wp.path)
	}
	wp.status = statusListening
	return nil
}

// isValidDirectory reports whether the watched path still exists and is
// still a directory.
func (wp *windowsWatchPoint) isValidDirectory() bool {
	pathPtr, err := windows.UTF16PtrFromString(wp.path)
	if err != nil {
		return false
	}
	attrs, err := windows.GetFileAttributes(pathPtr)
	if err != nil {
		return false
	}
	return attrs&windows.FILE_ATTRIBUTE_DIRECTORY != 0
}

// cancel issues CancelIoEx for a listening WatchPoint. It reports whether a
// completion is still pending and will therefore run asynchronously.
func (wp *windowsWatchPoint) cancel() bool {
	if wp.status != statusListening {
		return false
	}
	wp.status = statusCancelled
	if err := windows.CancelIoEx(wp.handle, &wp.overlapped); err != nil {
		wp.finish()
		if err != windows.ERROR_NOT_FOUND {
			wp.server.logger.Warn(errors.Wrap(err, "unable to cancel watch point"), logging.Path(wp.path))
		}
		return false
	}
	return true
}

// finish releases the directory handle exactly once.
func (wp *windowsWatchPoint) finish() {
	if wp.status == statusFinished {
		return
	}
	windows.CloseHandle(wp.handle)
	wp.status = statusFinished
}

// completionCallback is the FileIOCompletionRoutine passed to
// ReadDirectoryChangesW. It recovers the originating WatchPoint from
// OVERLAPPED.HEvent and dispatches to handleCompletion.
var completionCallback = syscall.NewCallback(func(errorCode, bytesTransferred uint32, overlapped *windows.Overlapped) uintptr {
	token := uintptr(overlapped.HEvent)
	wp := watchPointFromToken(token)
	if wp == nil {
		return 0
	}
	wp.handleCompletion(errorCode, bytesTransferred)
	return 0
})

// handleCompletion processes one ReadDirectoryChangesW completion: decoding
// buffered FILE_NOTIFY_INFORMATION records, reporting the corresponding
// normalized events, and reissuing the read unless the WatchPoint is being
// torn down.
func (wp *windowsWatchPoint) handleCompletion(errorCode, bytesTransferred uint32) {
	const errorOperationAborted = 995

	if errorCode == errorOperationAborted {
		wp.finish()
		releaseWatchPointToken(uintptr(wp.overlapped.HEvent))
		return
	}
	if wp.status != statusListening {
		return
	}
	wp.status = statusNotListening

	if errorCode != 0 {
		if errorCode == uint32(windows.ERROR_ACCESS_DENIED) && !wp.isValidDirectory() {
			wp.server.reportChange(EventRemoved, stripWindowsLongPathPrefix(wp.path))
			return
		}
		wp.server.reportError(errors.Errorf("error %d handling events for %s", errorCode, wp.path))
		return
	}

	if bytesTransferred == 0 {
		wp.server.reportChange(EventInvalidate, stripWindowsLongPathPrefix(wp.path))
	} else {
		wp.decodeBuffer(bytesTransferred)
	}

	if err := wp.listen(); err != nil {
		if err == errWatchPointDeleted {
			wp.server.reportChange(EventRemoved, stripWindowsLongPathPrefix(wp.path))
		} else {
			wp.server.reportError(err)
		}
	}
}

// decodeBuffer walks a buffer of contiguous FILE_NOTIFY_INFORMATION records.
func (wp *windowsWatchPoint) decodeBuffer(bytesTransferred uint32) {
	offset := uint32(0)
	basePath := stripWindowsLongPathPrefix(wp.path)
	for {
		info := (*windows.FileNotifyInformation)(unsafe.Pointer(&wp.buffer[offset]))

		if uintptr(offset)+unsafe.Offsetof(info.FileName)+uintptr(info.FileNameLength) > uintptr(bytesTransferred) {
			wp.server.reportError(errors.Errorf("change record for %s runs past the end of the buffer", wp.path))
			return
		}

		nameLen := int(info.FileNameLength) / 2
		nameUTF16 := unsafe.Slice(&info.FileName, nameLen)
		name := utf16ToUTF8(nameUTF16)

		var kind EventKind
		switch info.Action {
		case windows.FILE_ACTION_ADDED, windows.FILE_ACTION_RENAMED_NEW_NAME:
			kind = EventCreated
		case windows.FILE_ACTION_REMOVED, windows.FILE_ACTION_RENAMED_OLD_NAME:
			kind = EventRemoved
		case windows.FILE_ACTION_MODIFIED:
			kind = EventModified
		default:
			kind = EventUnknown
			wp.server.logger.Warn(errors.Errorf("unknown file action %d", info.Action), logging.Path(wp.path))
		}

		eventPath := basePath
		if name != "" {
			eventPath = basePath + "\\" + name
		}
		wp.server.reportChange(kind, eventPath)

		if info.NextEntryOffset == 0 {
			break
		}
		offset += info.NextEntryOffset
		if offset >= bytesTransferred {
			break
		}
	}
}
