//go:build linux

package watch

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/pathnotify/engine/internal/logging"
)

const (
	// linuxEventBufferSize is the size of the buffer used to read raw
	// inotify records, matching the 16 KiB buffer used by the original
	// implementation this design was distilled from.
	linuxEventBufferSize = 16 * 1024

	// defaultMaximumWatches bounds the number of concurrently active
	// inotify watch descriptors when Options.MaximumWatches is unset.
	defaultMaximumWatches = 8192

	// linuxWatchMask is the inotify event mask installed for every watch
	// point (SPEC_FULL.md §4.2 Linux contract).
	linuxWatchMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_DELETE_SELF |
		unix.IN_MODIFY | unix.IN_MOVE_SELF | unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
		unix.IN_ONLYDIR | unix.IN_DONT_FOLLOW | unix.IN_EXCL_UNLINK
)

// linuxWatchPoint is the Linux WatchPoint: no internal state machine,
// presence in the table is equivalent to "active" (SPEC_FULL.md §4.2).
type linuxWatchPoint struct {
	path string
	wd   int32
}

// nativeState is the Linux backend's ServerState extension: the inotify
// instance, the wake eventfd, and the forward/reverse watch-point indices.
type nativeState struct {
	fdInotify int
	fdWake    int

	watchPoints map[string]*linuxWatchPoint
	watchRoots  map[int32]string

	// evictor performs LRU-based watch eviction (SPEC_FULL.md §4.2
	// supplemental) and is also the single code path through which watches
	// are ever removed, whether by explicit unregistration or by exceeding
	// the watch ceiling.
	evictor *lru.Cache
}

// newNativeState creates the inotify instance and wake eventfd. It runs on
// the constructing goroutine, before the loop goroutine starts.
func newNativeState(s *Server, options Options) (*nativeState, error) {
	fdInotify, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize inotify")
	}

	fdWake, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fdInotify)
		return nil, errors.Wrap(err, "unable to create wake event")
	}

	ceiling := options.MaximumWatches
	if ceiling <= 0 {
		ceiling = defaultMaximumWatches
	}

	n := &nativeState{
		fdInotify:   fdInotify,
		fdWake:      fdWake,
		watchPoints: make(map[string]*linuxWatchPoint),
		watchRoots:  make(map[int32]string),
		evictor:     lru.New(ceiling),
	}
	n.evictor.OnEvicted = func(key lru.Key, _ interface{}) {
		if path, ok := key.(string); ok {
			s.dropWatchPoint(path)
		}
	}
	return n, nil
}

// wakeLoop signals the wake eventfd so the loop's poll call returns and
// drains the command queue.
func (s *Server) wakeLoop() {
	var value [8]byte
	binary.LittleEndian.PutUint64(value[:], 1)
	if _, err := unix.Write(s.native.fdWake, value[:]); err != nil {
		s.logger.Warn(errors.Wrap(err, "unable to signal wake event"))
	}
}

// runLoop implements the Linux event loop: poll on {wake_fd, inotify_fd}
// indefinitely, draining commands and decoding events as they arrive.
func (s *Server) runLoop() {
	s.signalReady(nil)

	fds := []unix.PollFd{
		{Fd: int32(s.native.fdWake), Events: unix.POLLIN},
		{Fd: int32(s.native.fdInotify), Events: unix.POLLIN},
	}
	buffer := make([]byte, linuxEventBufferSize)

	for !s.isTerminated() {
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			err = errors.Wrap(err, "unable to poll for events")
			s.logger.Error(err)
			s.reportError(err)
			break
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			var counter [8]byte
			unix.Read(s.native.fdWake, counter[:])
			for _, cmd := range s.queue.drain() {
				s.executeCommand(cmd)
			}
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			bytesRead, err := unix.Read(s.native.fdInotify, buffer)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				err = errors.Wrap(err, "unable to read inotify events")
				s.logger.Error(err)
				s.reportError(err)
				break
			}
			if bytesRead == 0 {
				break
			}
			s.decodeInotifyBuffer(buffer[:bytesRead])
		}
	}
}

// teardownNative closes the instance-wide handles that outlive individual
// watch points. It runs after runLoop returns, once every WatchPoint has
// already been released via the Close command.
func (s *Server) teardownNative() {
	if err := unix.Close(s.native.fdInotify); err != nil {
		s.logger.Warn(errors.Wrap(err, "unable to close inotify instance"))
	}
	if err := unix.Close(s.native.fdWake); err != nil {
		s.logger.Warn(errors.Wrap(err, "unable to close wake event"))
	}
}

// registerPath adds a single path to the watch-point table. It is only
// ever called from the loop goroutine.
func (s *Server) registerPath(path string) error {
	n := s.native
	if _, exists := n.watchPoints[path]; exists {
		return ErrAlreadyWatching
	}

	wd, err := unix.InotifyAddWatch(n.fdInotify, path, linuxWatchMask)
	if err != nil {
		return errors.Wrapf(err, "unable to watch %s", path)
	}

	wp := &linuxWatchPoint{path: path, wd: int32(wd)}
	n.watchPoints[path] = wp
	n.watchRoots[wp.wd] = path
	n.evictor.Add(path, wp)
	s.setWatchedPaths(len(n.watchPoints))
	return nil
}

// unregisterPath removes a single path from the watch-point table, if
// present. The actual teardown happens inside the evictor's OnEvicted
// callback (dropWatchPoint), so that explicit unregistration and
// ceiling-triggered eviction share one code path.
func (s *Server) unregisterPath(path string) bool {
	if _, exists := s.native.watchPoints[path]; !exists {
		return false
	}
	s.native.evictor.Remove(path)
	return true
}

// dropWatchPoint removes the OS-level watch and both index entries for
// path. It is invoked either by the LRU evictor (explicit unregistration or
// ceiling eviction) or, with the table entries already cleared, as a no-op
// safety net from handleIgnored.
func (s *Server) dropWatchPoint(path string) {
	n := s.native
	wp, ok := n.watchPoints[path]
	if !ok {
		return
	}
	delete(n.watchPoints, path)
	delete(n.watchRoots, wp.wd)
	if _, err := unix.InotifyRmWatch(n.fdInotify, uint32(wp.wd)); err != nil {
		s.logger.Warn(errors.Wrap(err, "unable to remove inotify watch"), logging.Path(path))
	}
	s.setWatchedPaths(len(n.watchPoints))
}

// handleIgnored processes IN_IGNORED: the kernel has already torn down the
// watch descriptor, so the table entries are cleared directly and the LRU
// entry is dropped without triggering a redundant inotify_rm_watch (the
// table lookup inside dropWatchPoint will already miss).
func (s *Server) handleIgnored(path string, wd int32) {
	n := s.native
	delete(n.watchPoints, path)
	delete(n.watchRoots, wd)
	n.evictor.Remove(path)
	s.setWatchedPaths(len(n.watchPoints))
}

// terminateNative releases every remaining watch point. inotify teardown is
// synchronous, so this can run directly inside the Close command's body
// (server.go's executeCommand) rather than deferring to runLoop's exit path
// the way the Windows backend must.
func (s *Server) terminateNative() {
	s.closeAllWatchPoints()
}

// closeAllWatchPoints releases every remaining watch point. It is invoked
// once, on the loop goroutine, by terminateNative.
func (s *Server) closeAllWatchPoints() {
	n := s.native
	paths := make([]string, 0, len(n.watchPoints))
	for path := range n.watchPoints {
		paths = append(paths, path)
	}
	for _, path := range paths {
		n.evictor.Remove(path)
	}
}

// decodeInotifyBuffer walks a buffer of contiguous inotify_event records and
// reports a NormalizedEvent for each one that maps onto the taxonomy.
func (s *Server) decodeInotifyBuffer(buffer []byte) {
	n := s.native
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buffer[offset]))
		nameStart := offset + unix.SizeofInotifyEvent
		nameEnd := nameStart + int(raw.Len)
		if nameEnd > len(buffer) {
			break
		}

		var name string
		if raw.Len > 0 {
			nameBytes := buffer[nameStart:nameEnd]
			if idx := bytes.IndexByte(nameBytes, 0); idx >= 0 {
				nameBytes = nameBytes[:idx]
			}
			name = string(nameBytes)
		}
		offset = nameEnd

		mask := uint32(raw.Mask)

		// IN_Q_OVERFLOW carries no watch descriptor (wd == -1): the overflow
		// is a property of the whole inotify instance, not one directory,
		// so every currently watched directory is treated as affected.
		if mask&unix.IN_Q_OVERFLOW != 0 {
			for path := range n.watchPoints {
				s.reportChange(EventInvalidate, path)
			}
			continue
		}
		if mask&unix.IN_UNMOUNT != 0 {
			continue
		}

		path, ok := n.watchRoots[raw.Wd]
		if !ok {
			// The watch was unregistered concurrently with this event
			// arriving; drop it.
			continue
		}

		if mask&unix.IN_IGNORED != 0 {
			s.handleIgnored(path, raw.Wd)
			continue
		}

		var kind EventKind
		switch {
		case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
			kind = EventCreated
		case mask&(unix.IN_DELETE|unix.IN_DELETE_SELF|unix.IN_MOVED_FROM) != 0:
			kind = EventRemoved
		case mask&unix.IN_MODIFY != 0:
			kind = EventModified
		default:
			kind = EventUnknown
		}

		eventPath := path
		if name != "" {
			eventPath = path + "/" + name
		}
		s.reportChange(kind, eventPath)
	}
}
