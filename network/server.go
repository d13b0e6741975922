package network

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

const readHeaderTimeout = 10 * time.Second

// Server accepts inbound HTTP requests and hands WebSocket upgrades on path
// to the handler.
type Server struct {
	listener net.Listener
	http     *http.Server

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds address and starts serving handler on path.
func Listen(address, path string, handler http.HandlerFunc) (*Server, error) {
	if address == "" {
		address = ":0"
	}
	if path == "" {
		path = DefaultPath
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %q: %v", ErrServerStart, address, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, handler)

	server := &Server{
		listener: listener,
		http: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		errs:   make(chan error, 16),
		closed: make(chan struct{}),
	}

	server.wg.Add(1)
	go server.serve()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting. Upgraded connections are owned by their handler and
// are not closed here.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.http.Close()
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) serve() {
	defer s.wg.Done()

	err := s.http.Serve(s.listener)
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case <-s.closed:
		return
	default:
	}

	select {
	case s.errs <- fmt.Errorf("serve: %w", err):
	default:
	}
}
