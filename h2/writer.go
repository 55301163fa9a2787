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
	"log"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/costinm/h2d/nio"
)

// Control-plane work items, drained in FIFO order before any DATA.
type wqItem interface{}

type settingsItem struct{ ss []http2.Setting }

type settingsAckItem struct{}

type pingAckItem struct{ data [8]byte }

type windowUpdateItem struct {
	sid uint32
	inc uint32
}

type rstItem struct {
	sid  uint32
	st   *Stream // nil when resetting an unknown stream id
	code http2.ErrCode
}

type goAwayItem struct {
	last uint32
	code http2.ErrCode
}

type headersItem struct {
	st        *Stream
	hf        []hpack.HeaderField
	endStream bool
	// nonFinal marks 1xx blocks; they don't touch stream state.
	nonFinal bool
	// trailer marks the trailing header block of a file response.
	trailer bool
}

type pushPromiseItem struct {
	st       *Stream
	promised *Stream
	hf       []hpack.HeaderField
}

// HTTPDate formats t the way the date, last-modified and
// if-modified-since headers expect.
func HTTPDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// writeLoop flushes the WriteBuffer to the transport and refills it
// from the codec until the session is over. Exiting closes the
// transport, which in turn unblocks the read loop.
func (h *Http2Handler) writeLoop() {
	h.dbuf = nio.GetPayload(nio.DefaultPayloadSize)
	defer func() {
		nio.PutPayload(h.dbuf)
		h.tr.Close()
	}()

	for {
		for h.wb.RLeft() > 0 {
			n, err := h.tr.Write(h.wb.Readable())
			if err != nil {
				return
			}
			h.wb.Drain(n)
		}
		h.wb.Reset()

		if err := h.fillWB(); err != nil {
			log.Printf("h2: [id=%d] write: %v", h.sessionID, err)
			return
		}
		if h.wb.RLeft() > 0 {
			continue
		}

		// Codec produced nothing and the buffer is drained. If the
		// session is terminating there is nothing left to wait for.
		h.mu.Lock()
		done := h.closing && len(h.ctrl) == 0 && h.dataPending == nil
		h.mu.Unlock()
		if done {
			return
		}
		select {
		case <-h.wake:
		case <-h.done:
			return
		}
	}
}

// fillWB first re-presents any codec output that did not fit on the
// previous round, then pulls fresh output until the codec runs dry or
// the buffer fills. The unconsumed tail stays in dataPending; no new
// codec output is requested while it is set.
func (h *Http2Handler) fillWB() error {
	if h.dataPending != nil {
		n := h.wb.Write(h.dataPending)
		if n < len(h.dataPending) {
			h.dataPending = h.dataPending[n:]
			return nil
		}
		h.dataPending = nil
	}
	for {
		buf, post, err := h.memSend()
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			if post != nil {
				post()
			}
			return nil
		}
		n := h.wb.Write(buf)
		if post != nil {
			post()
		}
		if n < len(buf) {
			h.dataPending = buf[n:]
			return nil
		}
	}
}

// memSend serializes the next pending frame and returns its bytes. The
// returned slice aliases the scratch buffer and is valid until the next
// call. post, when non-nil, must run after the bytes are staged and
// before the next memSend - it carries work (response preparation for
// promised streams) that re-enters the handler lock.
func (h *Http2Handler) memSend() (buf []byte, post func(), err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.scratch.Reset()
	if len(h.ctrl) > 0 {
		it := h.ctrl[0]
		h.ctrl = h.ctrl[1:]
		post, err = h.writeItemLocked(it)
		if err != nil {
			return nil, nil, err
		}
		return h.scratch.Bytes(), post, nil
	}
	if h.closing {
		return nil, nil, nil
	}
	return h.fillDataLocked()
}

func (h *Http2Handler) writeItemLocked(it wqItem) (post func(), err error) {
	switch it := it.(type) {
	case settingsItem:
		err = h.sfr.WriteSettings(it.ss...)
	case settingsAckItem:
		err = h.sfr.WriteSettingsAck()
	case pingAckItem:
		err = h.sfr.WritePing(true, it.data)
	case windowUpdateItem:
		err = h.sfr.WriteWindowUpdate(it.sid, it.inc)
	case rstItem:
		err = h.sfr.WriteRSTStream(it.sid, it.code)
		if it.st != nil {
			h.closeStreamLocked(it.st)
		}
	case goAwayItem:
		err = h.sfr.WriteGoAway(it.last, it.code, nil)
		h.closing = true
	case headersItem:
		err = h.writeHeaderBlockLocked(it.st.ID, it.hf, it.endStream)
		if err != nil || it.nonFinal {
			break
		}
		st := it.st
		if it.endStream {
			st.wtimer.disarm()
			st.localClosed = true
			if st.remoteClosed {
				h.closeStreamLocked(st)
			}
		} else {
			h.afterFrameSendLocked(st)
		}
	case pushPromiseItem:
		err = h.writePushPromiseLocked(it)
		if err != nil {
			break
		}
		// After a PUSH_PROMISE goes out, the promised response is
		// prepared with pushing suppressed.
		it.st.rtimer.armIfActive()
		it.st.wtimer.arm()
		promised := it.promised
		post = func() {
			h.cfg.Prepare(h, promised, false)
		}
	}
	if h.cfg.Verbose && err == nil {
		h.logger.Debug("frame send", "item", itemName(it))
	}
	return post, err
}

func itemName(it wqItem) string {
	switch it.(type) {
	case settingsItem:
		return "SETTINGS"
	case settingsAckItem:
		return "SETTINGS/ack"
	case pingAckItem:
		return "PING/ack"
	case windowUpdateItem:
		return "WINDOW_UPDATE"
	case rstItem:
		return "RST_STREAM"
	case goAwayItem:
		return "GOAWAY"
	case headersItem:
		return "HEADERS"
	case pushPromiseItem:
		return "PUSH_PROMISE"
	}
	return "?"
}

// writeHeaderBlockLocked hpack-encodes hf and emits HEADERS plus any
// CONTINUATION frames needed for large blocks.
func (h *Http2Handler) writeHeaderBlockLocked(sid uint32, hf []hpack.HeaderField, endStream bool) error {
	h.hbuf.Reset()
	for _, f := range hf {
		if err := h.henc.WriteField(f); err != nil {
			return err
		}
	}
	block := h.hbuf.Bytes()

	first := true
	for first || len(block) > 0 {
		frag := block
		if len(frag) > int(h.maxFrameSize) {
			frag = frag[:h.maxFrameSize]
		}
		block = block[len(frag):]
		endHeaders := len(block) == 0
		var err error
		if first {
			first = false
			err = h.sfr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      sid,
				BlockFragment: frag,
				EndHeaders:    endHeaders,
				EndStream:     endStream,
			})
		} else {
			err = h.sfr.WriteContinuation(sid, endHeaders, frag)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Http2Handler) writePushPromiseLocked(it pushPromiseItem) error {
	h.hbuf.Reset()
	for _, f := range it.hf {
		if err := h.henc.WriteField(f); err != nil {
			return err
		}
	}
	block := h.hbuf.Bytes()

	frag := block
	if len(frag) > int(h.maxFrameSize) {
		frag = frag[:h.maxFrameSize]
	}
	block = block[len(frag):]
	if err := h.sfr.WritePushPromise(http2.PushPromiseParam{
		StreamID:      it.st.ID,
		PromiseID:     it.promised.ID,
		BlockFragment: frag,
		EndHeaders:    len(block) == 0,
	}); err != nil {
		return err
	}
	for len(block) > 0 {
		frag = block
		if len(frag) > int(h.maxFrameSize) {
			frag = frag[:h.maxFrameSize]
		}
		block = block[len(frag):]
		if err := h.sfr.WriteContinuation(it.st.ID, len(block) == 0, frag); err != nil {
			return err
		}
	}
	return nil
}

// fillDataLocked picks the next flow-control-eligible stream round
// robin and serializes one DATA frame from its body source. On EOF it
// queues the configured trailers and, when the peer has not closed its
// half, a NO_ERROR reset.
func (h *Http2Handler) fillDataLocked() (buf []byte, post func(), err error) {
	for i := len(h.dataq); i > 0; i-- {
		st := h.dataq[0]
		h.dataq = h.dataq[1:]

		if st.body == nil || h.streams[st.ID] != st {
			st.queued = false
			continue
		}
		win := st.sendWindow
		if h.sendWindow < win {
			win = h.sendWindow
		}
		if win <= 0 {
			h.dataq = append(h.dataq, st)
			continue
		}

		maxLen := int(h.maxFrameSize)
		if maxLen > len(h.dbuf) {
			maxLen = len(h.dbuf)
		}
		if int(win) < maxLen {
			maxLen = int(win)
		}
		if len(h.padbuf) > 0 && maxLen > len(h.dbuf)-len(h.padbuf)-1 {
			maxLen = len(h.dbuf) - len(h.padbuf) - 1
		}

		n, rerr := st.body.Read(h.dbuf[:maxLen])
		st.bodyLeft -= int64(n)
		if n == 0 && rerr == nil && st.bodyLeft > 0 {
			// Nothing readable yet; leave the stream queued.
			h.dataq = append(h.dataq, st)
			continue
		}
		if rerr != nil && rerr != io.EOF {
			st.rtimer.disarm()
			st.wtimer.disarm()
			st.queued = false
			st.localClosed = true
			if werr := h.sfr.WriteRSTStream(st.ID, http2.ErrCodeInternal); werr != nil {
				return nil, nil, werr
			}
			h.closeStreamLocked(st)
			return h.scratch.Bytes(), nil, nil
		}
		eof := rerr == io.EOF || st.bodyLeft <= 0
		endStream := eof && len(h.cfg.Trailers) == 0

		if len(h.padbuf) > 0 {
			err = h.sfr.WriteDataPadded(st.ID, endStream, h.dbuf[:n], h.padbuf)
		} else {
			err = h.sfr.WriteData(st.ID, endStream, h.dbuf[:n])
		}
		if err != nil {
			return nil, nil, err
		}
		st.sendWindow -= int32(n)
		h.sendWindow -= int32(n)

		if eof {
			st.queued = false
			st.body.Close()
			st.body = nil
			if len(h.cfg.Trailers) > 0 {
				h.ctrl = append(h.ctrl, headersItem{
					st:        st,
					hf:        h.cfg.Trailers,
					endStream: true,
					trailer:   true,
				})
			} else {
				st.localClosed = true
			}
			st.wtimer.disarm()
			if !st.remoteClosed {
				// The peer never half-closed; reset cleanly so it
				// stops sending.
				st.rtimer.disarm()
				h.ctrl = append(h.ctrl, rstItem{sid: st.ID, st: st, code: http2.ErrCodeNo})
			} else if st.localClosed {
				h.closeStreamLocked(st)
			}
		} else {
			h.dataq = append(h.dataq, st)
			h.afterFrameSendLocked(st)
		}
		if h.cfg.Verbose {
			h.logger.Debug("frame send", "item", "DATA", "stream", st.ID, "len", n, "end", endStream)
		}
		return h.scratch.Bytes(), nil, nil
	}
	return nil, nil, nil
}

// afterFrameSendLocked applies the timer matrix after a non-final DATA
// or HEADERS frame: a stalled flow-control window arms the
// write-blocked timer, a healthy one disarms it; the read-idle timer is
// refreshed only if it was already running.
func (h *Http2Handler) afterFrameSendLocked(st *Stream) {
	win := st.sendWindow
	if h.sendWindow < win {
		win = h.sendWindow
	}
	if win <= 0 {
		st.rtimer.armIfActive()
		st.wtimer.arm()
	} else {
		st.rtimer.armIfActive()
		st.wtimer.disarm()
	}
}
