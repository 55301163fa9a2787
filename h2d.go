// Package h2d is an HTTP/2 origin server for static content: it
// terminates TLS with ALPN, multiplexes requests per connection,
// serves files from a document root and can push configured resources.
package h2d

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
)

// HttpServer owns the listeners and the worker pool. Build one with
// New, then Run (blocking) or Start/Shutdown.
type HttpServer struct {
	cfg *Config

	acceptor  *AcceptHandler
	listeners []net.Listener

	mu      sync.Mutex
	started bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New creates a server for the given immutable config.
func New(cfg *Config) *HttpServer {
	return &HttpServer{cfg: cfg, quit: make(chan struct{})}
}

// Start binds the listeners and begins accepting. It fails when the
// TLS context cannot be built or no address binds.
func (s *HttpServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("h2d: already started")
	}

	var tlsConfig *tls.Config
	if !s.cfg.NoTLS {
		tc, err := NewServerTLSConfig(s.cfg)
		if err != nil {
			return err
		}
		tlsConfig = tc
	}
	s.acceptor = NewAcceptHandler(s.cfg, tlsConfig)

	ls, err := s.listen()
	if err != nil {
		return err
	}
	s.listeners = ls
	s.started = true

	for _, l := range ls {
		if s.cfg.Verbose {
			log.Printf("h2d: listen %s", l.Addr())
		}
		s.wg.Add(1)
		go s.acceptLoop(l)
	}
	return nil
}

// listen binds every resolved address, succeeding when at least one
// bind works.
func (s *HttpServer) listen() ([]net.Listener, error) {
	service := strconv.Itoa(s.cfg.Port)
	if s.cfg.Address == "" {
		l, err := net.Listen("tcp", ":"+service)
		if err != nil {
			return nil, fmt.Errorf("h2d: could not listen: %w", err)
		}
		return []net.Listener{l}, nil
	}

	ips, err := net.LookupHost(s.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("h2d: resolve %s: %w", s.cfg.Address, err)
	}
	var ls []net.Listener
	var lastErr error
	for _, ip := range ips {
		l, err := net.Listen("tcp", net.JoinHostPort(ip, service))
		if err != nil {
			lastErr = err
			continue
		}
		ls = append(ls, l)
	}
	if len(ls) == 0 {
		return nil, fmt.Errorf("h2d: could not listen on %s: %w", s.cfg.Address, lastErr)
	}
	return ls, nil
}

func (s *HttpServer) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		c, err := l.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("h2d: accept: %v", err)
			continue
		}
		s.acceptor.AcceptConnection(c)
	}
}

// Run starts the server and blocks until Shutdown.
func (s *HttpServer) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	<-s.quit
	return nil
}

// Addrs returns the bound listener addresses, for callers that
// configured port 0.
func (s *HttpServer) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Shutdown closes the listeners, stops the workers, sends GOAWAY on
// every live session and waits - bounded by ctx - for the sessions to
// drain.
func (s *HttpServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.quit)
	ls := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range ls {
		l.Close()
	}
	s.wg.Wait()
	s.acceptor.Shutdown()

	// Every live session holds one semaphore unit; draining the whole
	// budget means they are all gone.
	if err := s.acceptor.sem.Acquire(ctx, int64(s.cfg.MaxSessions)); err != nil {
		return err
	}
	s.acceptor.sem.Release(int64(s.cfg.MaxSessions))
	return nil
}
