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

package h2

import (
	"io"
	"time"

	"golang.org/x/net/http2/hpack"
)

// Stream is one HTTP/2 request/response exchange. Client-initiated
// streams carry odd ids, server-pushed streams even ids. A stream is
// created when a request header block begins (or a push promise is
// submitted) and destroyed on stream close.
//
// The owning Http2Handler holds the only long-lived reference, in its
// id-keyed map; all mutation happens under the handler lock.
type Stream struct {
	ID uint32

	hd *Http2Handler

	// Request headers in arrival order plus a side index from each
	// header name to its first position.
	headers []hpack.HeaderField
	hdidx   map[string]int

	// Response body source, nil when the response has no body.
	// File responses keep the *os.File here; status pages use an
	// in-memory reader through the same path.
	body     io.ReadCloser
	bodyLeft int64

	// rtimer fires when the peer goes idle mid-request; wtimer fires
	// when outbound DATA stalls on flow control.
	rtimer *streamTimer
	wtimer *streamTimer

	// Outbound flow-control window for this stream.
	sendWindow int32

	// remoteClosed is set on END_STREAM or RST from the peer.
	remoteClosed bool
	// localClosed is set once our END_STREAM (or RST) is queued.
	localClosed bool
	// responded guards against preparing a response twice when
	// early_response fires at end-of-headers.
	responded bool
	// queued is set while the stream sits on the handler's data queue.
	queued bool
}

func newStream(hd *Http2Handler, id uint32) *Stream {
	s := &Stream{
		ID:         id,
		hd:         hd,
		headers:    make([]hpack.HeaderField, 0, 10),
		hdidx:      make(map[string]int),
		sendWindow: hd.initialSendWindow,
	}
	s.rtimer = newStreamTimer(hd.cfg.StreamReadTimeout, func() { hd.streamTimeout(s, s.rtimer) })
	s.wtimer = newStreamTimer(hd.cfg.StreamWriteTimeout, func() { hd.streamTimeout(s, s.wtimer) })
	return s
}

// addHeader appends a request header and indexes its first occurrence.
func (s *Stream) addHeader(hf hpack.HeaderField) {
	if _, ok := s.hdidx[hf.Name]; !ok {
		s.hdidx[hf.Name] = len(s.headers)
	}
	s.headers = append(s.headers, hf)
}

// Header returns the value of the first header with the given
// (lower-case) name, and whether it was present.
func (s *Stream) Header(name string) (string, bool) {
	i, ok := s.hdidx[name]
	if !ok {
		return "", false
	}
	return s.headers[i].Value, true
}

// Headers returns the request header fields in arrival order.
func (s *Stream) Headers() []hpack.HeaderField {
	return s.headers
}

// closeLocked releases the stream's resources. Caller holds hd.mu.
func (s *Stream) closeLocked() {
	s.rtimer.disarm()
	s.wtimer.disarm()
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
}

// streamTimer is an ev_timer-like timeout. arm() starts or restarts
// the full period; it fires once per arm(); disarm() stops it. The callback re-checks
// active under the handler lock, so a disarm racing an expiry wins.
type streamTimer struct {
	timer  *time.Timer
	period time.Duration
	active bool
}

func newStreamTimer(period time.Duration, fire func()) *streamTimer {
	st := &streamTimer{period: period}
	// Created stopped; arm() resets to the real period.
	st.timer = time.AfterFunc(time.Hour, fire)
	st.timer.Stop()
	return st
}

func (st *streamTimer) arm() {
	if st.period <= 0 {
		return
	}
	st.active = true
	st.timer.Reset(st.period)
}

// armIfActive restarts the period only when the timer is running.
func (st *streamTimer) armIfActive() {
	if st.active {
		st.arm()
	}
}

func (st *streamTimer) disarm() {
	st.active = false
	st.timer.Stop()
}
