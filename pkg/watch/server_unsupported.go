//go:build !linux && !windows && !(darwin && cgo)

package watch

import "github.com/pkg/errors"

// nativeState is empty on unsupported platforms; there is nothing to watch
// with.
type nativeState struct{}

func newNativeState(s *Server, options Options) (*nativeState, error) {
	return nil, errors.New("filesystem watching is not supported on this platform")
}

func (s *Server) runLoop() {
	s.signalReady(nil)
}

func (s *Server) teardownNative() {}

func (s *Server) wakeLoop() {}

func (s *Server) registerPath(path string) error {
	return errors.New("filesystem watching is not supported on this platform")
}

func (s *Server) unregisterPath(path string) bool {
	return false
}

func (s *Server) closeAllWatchPoints() {}

func (s *Server) terminateNative() {}
