/*
 *
 * Copyright 2014 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package h2 drives one HTTP/2 server session per transport connection:
// framing, flow control, stream lifecycle and timers. Response content
// policy lives with the caller, plugged in through ServerConfig.Prepare.
package h2

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/costinm/h2d/nio"
)

const (
	// Outbound buffer between the codec and the transport.
	writeBufSize = 64 * 1024

	// Transport read buffering under the framer.
	readBufSize = 8 * 1024

	initialWindowSize   = 65535
	defaultMaxFrameSize = 16384

	defaultMaxStreams = 100
)

// How long the peer has to ACK our initial SETTINGS.
var settingsAckTimeout = 10 * time.Second

var errBadPreface = errors.New("h2: bad client preface")

// ServerConfig carries the per-loop immutable pieces a handler needs:
// timeouts, the response preparer and the shared date cache. One value
// is built per worker and shared by all its handlers.
type ServerConfig struct {
	StreamReadTimeout  time.Duration
	StreamWriteTimeout time.Duration

	// Extra padding bytes per DATA frame.
	Padding int

	// HEADER_TABLE_SIZE to advertise; negative leaves the codec default.
	HeaderTableSize int32

	MaxStreams uint32

	// Respond at end of headers instead of end of request.
	EarlyResponse bool

	// NoTLS selects the :scheme used in push promises.
	NoTLS bool

	// Static trailer fields appended to every file response.
	Trailers []hpack.HeaderField

	// Server header value.
	Server string

	// Prepare maps a completed request to a response. allowPush is
	// false when the stream is itself server-pushed.
	Prepare func(hd *Http2Handler, st *Stream, allowPush bool)

	// CachedDate returns the shared HTTP date string.
	CachedDate func() string

	// OnClose runs once when a handler is destroyed.
	OnClose func(hd *Http2Handler)

	Verbose bool
	Logger  *slog.Logger
}

func (c *ServerConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Http2Handler owns one transport connection and one HTTP/2 session.
// A reader goroutine (Serve) decodes inbound frames; a writer goroutine
// pulls codec output through a fixed WriteBuffer and flushes it.
type Http2Handler struct {
	sessionID int64
	cfg       *ServerConfig
	tr        TransportIO

	br *bufio.Reader
	fr *http2.Framer

	// Write-side codec state, touched only by the writer goroutine.
	wb          *nio.WriteBuffer
	dataPending []byte
	scratch     bytes.Buffer
	sfr         *http2.Framer
	hbuf        bytes.Buffer
	henc        *hpack.Encoder
	dbuf        []byte
	padbuf      []byte

	mu      sync.Mutex
	streams map[uint32]*Stream
	ctrl    []wqItem
	dataq   []*Stream

	// Outbound flow control.
	sendWindow        int32
	initialSendWindow int32
	maxFrameSize      uint32

	pushEnabled bool
	nextPushID  uint32
	maxStreamID uint32

	closing   bool
	destroyed bool

	settingsTimer *time.Timer

	wake chan struct{}
	done chan struct{}

	closeOnce sync.Once
	logger    *slog.Logger
}

// NewHandler builds the handler for an accepted connection. Serve must
// be called exactly once to run it.
func NewHandler(sessionID int64, tr TransportIO, cfg *ServerConfig) *Http2Handler {
	h := &Http2Handler{
		sessionID:         sessionID,
		cfg:               cfg,
		tr:                tr,
		wb:                nio.NewWriteBuffer(writeBufSize),
		streams:           make(map[uint32]*Stream),
		sendWindow:        initialWindowSize,
		initialSendWindow: initialWindowSize,
		maxFrameSize:      defaultMaxFrameSize,
		pushEnabled:       true,
		nextPushID:        2,
		wake:              make(chan struct{}, 1),
		done:              make(chan struct{}),
	}
	h.logger = cfg.logger().With("id", sessionID)
	h.br = bufio.NewReaderSize(tr, readBufSize)
	h.fr = http2.NewFramer(nil, h.br)
	h.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	h.fr.MaxHeaderListSize = 1 << 20
	h.sfr = http2.NewFramer(&h.scratch, nil)
	h.henc = hpack.NewEncoder(&h.hbuf)
	if cfg.Padding > 0 {
		n := cfg.Padding
		if n > 255 {
			n = 255
		}
		h.padbuf = make([]byte, n)
	}
	return h
}

// SessionID returns the monotonic id assigned at construction.
func (h *Http2Handler) SessionID() int64 { return h.sessionID }

// Serve runs the session to completion: transport handshake, protocol
// check, initial SETTINGS, then the frame dispatch loop. It returns
// after the handler is destroyed.
func (h *Http2Handler) Serve() {
	defer h.destroy()

	if err := h.tr.Handshake(); err != nil {
		if h.cfg.Verbose {
			h.logger.Debug("handshake failed", "err", err)
		}
		return
	}
	if h.cfg.Verbose {
		if p := h.tr.NegotiatedProtocol(); p != "" {
			h.logger.Debug("TLS handshake completed", "proto", p)
		}
	}

	h.onConnect()
	go h.writeLoop()

	if err := h.readPreface(); err != nil {
		// Bad preface is dropped silently; real clients never send one.
		return
	}
	h.readLoop()
}

// onConnect submits the server connection preface: a SETTINGS frame
// with MAX_CONCURRENT_STREAMS and, when configured, HEADER_TABLE_SIZE.
// The settings-ACK timer starts here.
func (h *Http2Handler) onConnect() {
	maxStreams := h.cfg.MaxStreams
	if maxStreams == 0 {
		maxStreams = defaultMaxStreams
	}
	ss := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: maxStreams},
	}
	if h.cfg.HeaderTableSize >= 0 {
		ss = append(ss, http2.Setting{
			ID:  http2.SettingHeaderTableSize,
			Val: uint32(h.cfg.HeaderTableSize),
		})
	}
	h.mu.Lock()
	h.ctrl = append(h.ctrl, settingsItem{ss: ss})
	h.settingsTimer = time.AfterFunc(settingsAckTimeout, func() {
		if h.cfg.Verbose {
			h.logger.Debug("settings ACK timeout")
		}
		h.TerminateSession(http2.ErrCodeSettingsTimeout)
	})
	h.mu.Unlock()
	h.notifyWrite()
}

func (h *Http2Handler) readPreface() error {
	buf := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(h.br, buf); err != nil {
		return err
	}
	if string(buf) != http2.ClientPreface {
		return errBadPreface
	}
	return nil
}

func (h *Http2Handler) readLoop() {
	for {
		f, err := h.fr.ReadFrame()
		if err != nil {
			if se, ok := err.(http2.StreamError); ok {
				h.resetOnStreamError(se)
				continue
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			}
			if !h.isDestroyed() && !errors.Is(err, net.ErrClosed) {
				log.Printf("h2: [id=%d] read frame: %v", h.sessionID, err)
			}
			return
		}
		if h.cfg.Verbose {
			h.logger.Debug("frame recv", "type", f.Header().Type.String(),
				"stream", f.Header().StreamID, "flags", uint8(f.Header().Flags))
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			if h.operateHeaders(f) {
				return
			}
		case *http2.DataFrame:
			h.handleData(f)
		case *http2.SettingsFrame:
			h.handleSettings(f)
		case *http2.PingFrame:
			h.handlePing(f)
		case *http2.WindowUpdateFrame:
			h.handleWindowUpdate(f)
		case *http2.RSTStreamFrame:
			h.handleRSTStream(f)
		case *http2.GoAwayFrame:
			// Client is going away; the read loop ends on its close.
		default:
			// PRIORITY and unknown extension frames are ignored.
		}
	}
}

func (h *Http2Handler) resetOnStreamError(se http2.StreamError) {
	h.mu.Lock()
	if st, ok := h.streams[se.StreamID]; ok {
		h.submitRSTLocked(st, se.Code)
	} else {
		h.ctrl = append(h.ctrl, rstItem{sid: se.StreamID, code: se.Code})
	}
	h.mu.Unlock()
	h.notifyWrite()
}

// operateHeaders handles a complete request header block: stream
// creation, header bookkeeping and - depending on END_STREAM and the
// early-response mode - response preparation. Returns true on a
// session-fatal condition.
func (h *Http2Handler) operateHeaders(f *http2.MetaHeadersFrame) bool {
	sid := f.Header().StreamID

	h.mu.Lock()
	if h.closing {
		// GOAWAY is on the wire; no new streams.
		h.mu.Unlock()
		return false
	}
	if sid%2 != 1 || sid <= h.maxStreamID {
		h.mu.Unlock()
		log.Printf("h2: [id=%d] illegal stream id %d", h.sessionID, sid)
		return true
	}
	h.maxStreamID = sid

	if f.Truncated {
		h.ctrl = append(h.ctrl, rstItem{sid: sid, code: http2.ErrCodeFrameSize})
		h.mu.Unlock()
		h.notifyWrite()
		return false
	}
	maxStreams := h.cfg.MaxStreams
	if maxStreams == 0 {
		maxStreams = defaultMaxStreams
	}
	if uint32(len(h.streams)) >= maxStreams {
		h.ctrl = append(h.ctrl, rstItem{sid: sid, code: http2.ErrCodeRefusedStream})
		h.mu.Unlock()
		h.notifyWrite()
		return false
	}

	st := newStream(h, sid)
	for _, hf := range f.Fields {
		st.addHeader(hf)
	}
	h.streams[sid] = st
	st.rtimer.arm()

	if v, ok := st.Header("expect"); ok && strings.EqualFold(v, "100-continue") {
		h.submitNonFinalResponseLocked(st, "100")
	}

	prepare := false
	if h.cfg.EarlyResponse && !st.responded {
		st.responded = true
		prepare = true
	}
	if f.StreamEnded() {
		st.remoteClosed = true
		st.rtimer.disarm()
		if !st.responded {
			st.responded = true
			prepare = true
		}
	} else {
		st.rtimer.arm()
	}
	h.mu.Unlock()

	if prepare {
		h.cfg.Prepare(h, st, true)
	}
	h.notifyWrite()
	return false
}

func (h *Http2Handler) handleData(f *http2.DataFrame) {
	sid := f.Header().StreamID
	size := f.Header().Length

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return
	}
	st := h.streams[sid]
	if size > 0 {
		// Request bodies are discarded, so the windows are replenished
		// as soon as the bytes arrive.
		h.ctrl = append(h.ctrl, windowUpdateItem{sid: 0, inc: size})
		if st != nil && !st.remoteClosed {
			h.ctrl = append(h.ctrl, windowUpdateItem{sid: sid, inc: size})
		}
	}
	if st == nil {
		h.mu.Unlock()
		h.notifyWrite()
		return
	}
	st.rtimer.arm()

	prepare := false
	if f.StreamEnded() {
		st.remoteClosed = true
		st.rtimer.disarm()
		if !st.responded {
			st.responded = true
			prepare = true
		} else if st.localClosed && !st.queued {
			h.closeStreamLocked(st)
		}
	}
	h.mu.Unlock()

	if prepare {
		h.cfg.Prepare(h, st, true)
	}
	h.notifyWrite()
}

func (h *Http2Handler) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		h.mu.Lock()
		if h.settingsTimer != nil {
			h.settingsTimer.Stop()
		}
		h.mu.Unlock()
		return
	}
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return
	}
	f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			delta := int32(s.Val) - h.initialSendWindow
			h.initialSendWindow = int32(s.Val)
			for _, st := range h.streams {
				st.sendWindow += delta
			}
		case http2.SettingMaxFrameSize:
			if s.Val >= 16384 && s.Val <= 1<<24-1 {
				h.maxFrameSize = s.Val
			}
		case http2.SettingHeaderTableSize:
			h.henc.SetMaxDynamicTableSize(s.Val)
		case http2.SettingEnablePush:
			h.pushEnabled = s.Val == 1
		}
		return nil
	})
	h.ctrl = append(h.ctrl, settingsAckItem{})
	h.mu.Unlock()
	h.notifyWrite()
}

func (h *Http2Handler) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		return
	}
	h.mu.Lock()
	if !h.closing {
		h.ctrl = append(h.ctrl, pingAckItem{data: f.Data})
	}
	h.mu.Unlock()
	h.notifyWrite()
}

func (h *Http2Handler) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	h.mu.Lock()
	if sid := f.Header().StreamID; sid == 0 {
		if int64(h.sendWindow)+int64(f.Increment) > math.MaxInt32 {
			if !h.closing {
				h.ctrl = append(h.ctrl, goAwayItem{last: h.maxStreamID, code: http2.ErrCodeFlowControl})
			}
		} else {
			h.sendWindow += int32(f.Increment)
		}
	} else if st, ok := h.streams[sid]; ok {
		if int64(st.sendWindow)+int64(f.Increment) > math.MaxInt32 {
			h.submitRSTLocked(st, http2.ErrCodeFlowControl)
		} else {
			st.sendWindow += int32(f.Increment)
		}
	}
	h.mu.Unlock()
	h.notifyWrite()
}

func (h *Http2Handler) handleRSTStream(f *http2.RSTStreamFrame) {
	h.mu.Lock()
	if st, ok := h.streams[f.Header().StreamID]; ok {
		st.remoteClosed = true
		h.closeStreamLocked(st)
	}
	h.mu.Unlock()
}

// streamTimeout fires for both the read-idle and write-blocked timers:
// the stream is reset with INTERNAL_ERROR, the session survives.
func (h *Http2Handler) streamTimeout(st *Stream, which *streamTimer) {
	h.mu.Lock()
	if h.destroyed || !which.active {
		h.mu.Unlock()
		return
	}
	if h.cfg.Verbose {
		h.logger.Debug("stream timeout", "stream", st.ID)
	}
	h.submitRSTLocked(st, http2.ErrCodeInternal)
	h.mu.Unlock()
	h.notifyWrite()
}

// TerminateSession schedules a GOAWAY with the given code; the session
// closes once it is flushed. closing flips here, under the same lock
// that captures the last stream id, so the read loop cannot accept a
// stream past the id already promised in the pending GOAWAY.
func (h *Http2Handler) TerminateSession(code http2.ErrCode) {
	h.mu.Lock()
	if h.closing || h.destroyed {
		h.mu.Unlock()
		return
	}
	h.closing = true
	h.ctrl = append(h.ctrl, goAwayItem{last: h.maxStreamID, code: code})
	h.mu.Unlock()
	h.notifyWrite()
}

// SubmitResponse enqueues a final response with optional body. The
// :status, server and date headers are added here; extra carries the
// rest (location, content-type, ...).
func (h *Http2Handler) SubmitResponse(st *Stream, status string, extra []hpack.HeaderField, body io.ReadCloser, bodyLen int64) {
	hf := make([]hpack.HeaderField, 0, 3+len(extra))
	hf = append(hf,
		hpack.HeaderField{Name: ":status", Value: status},
		hpack.HeaderField{Name: "server", Value: h.cfg.Server},
		hpack.HeaderField{Name: "date", Value: h.cfg.CachedDate()},
	)
	hf = append(hf, extra...)

	h.mu.Lock()
	h.submitHeadersLocked(st, hf, body, bodyLen)
	h.mu.Unlock()
	h.notifyWrite()
}

// SubmitFileResponse enqueues the standard static-file response:
// content-length, cache-control, the cached date, last-modified when
// the mtime is known, and the trailer header when trailers are
// configured.
func (h *Http2Handler) SubmitFileResponse(st *Stream, status string, lastModified time.Time, length int64, body io.ReadCloser) {
	hf := make([]hpack.HeaderField, 0, 7)
	hf = append(hf,
		hpack.HeaderField{Name: ":status", Value: status},
		hpack.HeaderField{Name: "server", Value: h.cfg.Server},
		hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(length, 10)},
		hpack.HeaderField{Name: "cache-control", Value: "max-age=3600"},
		hpack.HeaderField{Name: "date", Value: h.cfg.CachedDate()},
	)
	if !lastModified.IsZero() {
		hf = append(hf, hpack.HeaderField{Name: "last-modified", Value: HTTPDate(lastModified)})
	}
	if len(h.cfg.Trailers) > 0 {
		names := make([]string, len(h.cfg.Trailers))
		for i, t := range h.cfg.Trailers {
			names[i] = t.Name
		}
		hf = append(hf, hpack.HeaderField{Name: "trailer", Value: strings.Join(names, ", ")})
	}

	h.mu.Lock()
	h.submitHeadersLocked(st, hf, body, length)
	h.mu.Unlock()
	h.notifyWrite()
}

// submitHeadersLocked queues the response HEADERS and, when a body is
// present, registers the stream with the data scheduler.
func (h *Http2Handler) submitHeadersLocked(st *Stream, hf []hpack.HeaderField, body io.ReadCloser, bodyLen int64) {
	if h.closing || st.localClosed {
		if body != nil {
			body.Close()
		}
		return
	}
	if body == nil {
		st.localClosed = true
		h.ctrl = append(h.ctrl, headersItem{st: st, hf: hf, endStream: true})
		return
	}
	st.body = body
	st.bodyLeft = bodyLen
	h.ctrl = append(h.ctrl, headersItem{st: st, hf: hf})
	h.queueDataLocked(st)
}

// SubmitNonFinalResponse sends an informational (1xx) header block.
func (h *Http2Handler) SubmitNonFinalResponse(st *Stream, status string) {
	h.mu.Lock()
	h.submitNonFinalResponseLocked(st, status)
	h.mu.Unlock()
	h.notifyWrite()
}

func (h *Http2Handler) submitNonFinalResponseLocked(st *Stream, status string) {
	if h.closing || st.localClosed {
		return
	}
	h.ctrl = append(h.ctrl, headersItem{
		st:       st,
		hf:       []hpack.HeaderField{{Name: ":status", Value: status}},
		nonFinal: true,
	})
}

// SubmitPushPromise reserves an even stream promising a GET for
// pushPath and queues the PUSH_PROMISE frame. The promised stream's
// response is prepared after the frame is sent.
func (h *Http2Handler) SubmitPushPromise(st *Stream, pushPath string) error {
	h.mu.Lock()
	err := h.submitPushPromiseLocked(st, pushPath)
	h.mu.Unlock()
	h.notifyWrite()
	return err
}

func (h *Http2Handler) submitPushPromiseLocked(st *Stream, pushPath string) error {
	if h.closing {
		return errors.New("h2: session closing")
	}
	if !h.pushEnabled {
		return errors.New("h2: peer disabled push")
	}
	authority, ok := st.Header(":authority")
	if !ok {
		authority, ok = st.Header("host")
	}
	if !ok {
		return errors.New("h2: request carries no authority or host")
	}
	scheme := "https"
	if h.cfg.NoTLS {
		scheme = "http"
	}
	hf := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: pushPath},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: authority},
	}

	promisedID := h.nextPushID
	h.nextPushID += 2
	promised := newStream(h, promisedID)
	for _, f := range hf {
		promised.addHeader(f)
	}
	promised.remoteClosed = true // a pushed request has no peer half
	h.streams[promisedID] = promised

	h.ctrl = append(h.ctrl, pushPromiseItem{st: st, promised: promised, hf: hf})
	return nil
}

// SubmitRSTStream resets the stream and stops its timers.
func (h *Http2Handler) SubmitRSTStream(st *Stream, code http2.ErrCode) {
	h.mu.Lock()
	h.submitRSTLocked(st, code)
	h.mu.Unlock()
	h.notifyWrite()
}

func (h *Http2Handler) submitRSTLocked(st *Stream, code http2.ErrCode) {
	st.rtimer.disarm()
	st.wtimer.disarm()
	st.localClosed = true
	h.ctrl = append(h.ctrl, rstItem{sid: st.ID, st: st, code: code})
}

func (h *Http2Handler) closeStreamLocked(st *Stream) {
	st.closeLocked()
	if _, ok := h.streams[st.ID]; ok {
		delete(h.streams, st.ID)
		if h.cfg.Verbose {
			h.logger.Debug("stream closed", "stream", st.ID)
		}
	}
}

func (h *Http2Handler) queueDataLocked(st *Stream) {
	if !st.queued {
		st.queued = true
		h.dataq = append(h.dataq, st)
	}
}

func (h *Http2Handler) notifyWrite() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Http2Handler) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

// destroy releases everything the handler owns: streams (files and
// timers), the settings timer and the transport. Runs once.
func (h *Http2Handler) destroy() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.destroyed = true
		h.closing = true
		if h.settingsTimer != nil {
			h.settingsTimer.Stop()
		}
		for _, st := range h.streams {
			st.closeLocked()
		}
		h.streams = map[uint32]*Stream{}
		h.dataq = nil
		h.ctrl = nil
		h.mu.Unlock()

		close(h.done)
		h.tr.CloseWrite()
		h.tr.Close()

		if h.cfg.Verbose {
			h.logger.Debug("closed")
		}
		if h.cfg.OnClose != nil {
			h.cfg.OnClose(h)
		}
	})
}
