package h2d

import (
	"crypto/tls"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/semaphore"

	"github.com/costinm/h2d/h2"
)

// Sessions is a per-worker registry: it owns the live handlers of one
// dispatcher, the shared h2 callback config, the session id counter and
// the cached HTTP date. Handlers never migrate between registries.
type Sessions struct {
	cfg       *Config
	tlsConfig *tls.Config
	h2cfg     *h2.ServerConfig

	mu            sync.Mutex
	handlers      map[*h2.Http2Handler]struct{}
	nextSessionID int64

	dateMu     sync.Mutex
	dateUnix   int64
	cachedDate string

	// onClosed runs for every destroyed handler (session accounting).
	onClosed func()
}

// NewSessions builds a registry sharing cfg and the TLS context.
func NewSessions(cfg *Config, tlsConfig *tls.Config, onClosed func()) *Sessions {
	s := &Sessions{
		cfg:           cfg,
		tlsConfig:     tlsConfig,
		handlers:      make(map[*h2.Http2Handler]struct{}),
		nextSessionID: 1,
		onClosed:      onClosed,
	}
	// The verbose trace is written at Debug level, which the default
	// logger drops.
	logger := slog.Default()
	if cfg.Verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	trailers := make([]hpack.HeaderField, 0, len(cfg.Trailer))
	for _, t := range cfg.Trailer {
		trailers = append(trailers, hpack.HeaderField{Name: t.Name, Value: t.Value, Sensitive: t.NoIndex})
	}
	s.h2cfg = &h2.ServerConfig{
		StreamReadTimeout:  cfg.readTimeout(),
		StreamWriteTimeout: cfg.writeTimeout(),
		Padding:            cfg.Padding,
		HeaderTableSize:    int32(cfg.HeaderTableSize),
		EarlyResponse:      cfg.EarlyResponse,
		NoTLS:              cfg.NoTLS,
		Trailers:           trailers,
		Server:             ServerSoftware,
		CachedDate:         s.CachedDate,
		Verbose:            cfg.Verbose,
		Logger:             logger,
		Prepare: func(hd *h2.Http2Handler, st *h2.Stream, allowPush bool) {
			prepareResponse(s, hd, st, allowPush)
		},
		OnClose: s.removeHandler,
	}
	return s
}

func (s *Sessions) nextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSessionID
	if s.nextSessionID == math.MaxInt64 {
		s.nextSessionID = 1
	} else {
		s.nextSessionID++
	}
	return id
}

// AcceptConnection wraps an accepted socket in a handler and starts
// serving it. With a TLS context the connection speaks TLS, otherwise
// clear text.
func (s *Sessions) AcceptConnection(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	var tr h2.TransportIO
	if s.tlsConfig != nil {
		tr = h2.NewTLSTransport(c, s.tlsConfig)
	} else {
		tr = h2.NewPlainTransport(c)
	}
	hd := h2.NewHandler(s.nextID(), tr, s.h2cfg)
	s.mu.Lock()
	s.handlers[hd] = struct{}{}
	s.mu.Unlock()
	SessionsStarted.Increment()
	go hd.Serve()
}

func (s *Sessions) removeHandler(hd *h2.Http2Handler) {
	s.mu.Lock()
	delete(s.handlers, hd)
	s.mu.Unlock()
	SessionsClosed.Increment()
	if s.onClosed != nil {
		s.onClosed()
	}
}

// TerminateAll schedules GOAWAY(NO_ERROR) on every live session.
func (s *Sessions) TerminateAll() {
	s.mu.Lock()
	hds := make([]*h2.Http2Handler, 0, len(s.handlers))
	for hd := range s.handlers {
		hds = append(hds, hd)
	}
	s.mu.Unlock()
	for _, hd := range hds {
		hd.TerminateSession(http2.ErrCodeNo)
	}
}

// CachedDate returns the shared HTTP date string, recomputed lazily
// when the wall-clock second changes.
func (s *Sessions) CachedDate() string {
	now := time.Now()
	sec := now.Unix()
	s.dateMu.Lock()
	defer s.dateMu.Unlock()
	if sec != s.dateUnix {
		s.dateUnix = sec
		s.cachedDate = h2.HTTPDate(now)
	}
	return s.cachedDate
}

// Worker is one dispatcher: a Sessions registry plus an inbox of
// accepted sockets. Any thread may enqueue; only the worker's goroutine
// consumes. The inbox mutex is held just for the append and the
// swap-out.
type Worker struct {
	sessions *Sessions

	mu    sync.Mutex
	inbox []net.Conn

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newWorker(s *Sessions) *Worker {
	return &Worker{
		sessions: s,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *Worker) enqueue(c net.Conn) {
	w.mu.Lock()
	w.inbox = append(w.inbox, c)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

// drain swaps the inbox out under the lock and processes the entries
// outside it.
func (w *Worker) drain() {
	w.mu.Lock()
	q := w.inbox
	w.inbox = nil
	w.mu.Unlock()
	for _, c := range q {
		w.sessions.AcceptConnection(c)
	}
}

// AcceptHandler distributes accepted sockets round robin across the
// worker pool. With a single worker the listener-side registry serves
// directly.
type AcceptHandler struct {
	cfg *Config

	// Single-worker mode.
	sessions *Sessions

	workers []*Worker

	mu   sync.Mutex
	next int

	// sem bounds the number of concurrently served sessions.
	sem *semaphore.Weighted
}

// NewAcceptHandler spawns the worker pool.
func NewAcceptHandler(cfg *Config, tlsConfig *tls.Config) *AcceptHandler {
	a := &AcceptHandler{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxSessions)),
	}
	release := func() { a.sem.Release(1) }
	if cfg.NumWorker <= 1 {
		a.sessions = NewSessions(cfg, tlsConfig, release)
		return a
	}
	for i := 0; i < cfg.NumWorker; i++ {
		w := newWorker(NewSessions(cfg, tlsConfig, release))
		a.workers = append(a.workers, w)
		go w.run()
	}
	return a
}

// AcceptConnection hands the socket to the next worker and kicks its
// loop. Over the session budget the socket is dropped.
func (a *AcceptHandler) AcceptConnection(c net.Conn) {
	if !a.sem.TryAcquire(1) {
		c.Close()
		return
	}
	if a.sessions != nil {
		a.sessions.AcceptConnection(c)
		return
	}
	a.mu.Lock()
	w := a.workers[a.next]
	if a.next == len(a.workers)-1 {
		a.next = 0
	} else {
		a.next++
	}
	a.mu.Unlock()
	w.enqueue(c)
}

// Shutdown stops the workers, terminates every session and waits for
// the worker goroutines to exit.
func (a *AcceptHandler) Shutdown() {
	for _, w := range a.workers {
		close(w.stop)
	}
	for _, w := range a.workers {
		<-w.done
	}
	if a.sessions != nil {
		a.sessions.TerminateAll()
	}
	for _, w := range a.workers {
		w.sessions.TerminateAll()
	}
}
