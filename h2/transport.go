package h2

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// TransportIO abstracts the byte transport under one HTTP/2 session.
// Two variants exist: plain TCP and TLS. The session core never looks
// below this interface.
//
// Read and Write block; would-block states are absorbed by the runtime
// scheduler. What remains visible to the session is EOF, deadline errors
// and fatal transport errors. A TLS renegotiation attempted by the peer
// mid-session surfaces as a fatal error (the config never permits it).
type TransportIO interface {
	// Read fills p with transport bytes. 0, io.EOF on clean close.
	Read(p []byte) (int, error)
	// Write sends p. Partial writes return the count written.
	Write(p []byte) (int, error)

	// Handshake completes any transport-level negotiation. A no-op for
	// plain TCP.
	Handshake() error

	// NegotiatedProtocol reports the ALPN selection, "" for plain TCP.
	NegotiatedProtocol() string

	// CloseWrite shuts down the write side before the final Close.
	CloseWrite() error
	Close() error
}

// h2ALPNProtos is the set of protocol identifiers accepted as HTTP/2
// during negotiation. Offers outside this set end the connection.
var h2ALPNProtos = map[string]bool{
	"h2":    true,
	"h2-16": true,
	"h2-14": true,
}

// ErrNotH2 is returned when the TLS peer negotiated something other
// than HTTP/2, or nothing at all.
var ErrNotH2 = errors.New("h2: peer did not negotiate HTTP/2")

// CheckH2Selected reports whether proto identifies HTTP/2.
func CheckH2Selected(proto string) bool {
	return h2ALPNProtos[proto]
}

// plainIO is the clear-text transport.
type plainIO struct {
	net.Conn
}

// NewPlainTransport wraps a plain TCP connection.
func NewPlainTransport(c net.Conn) TransportIO {
	return &plainIO{Conn: c}
}

func (p *plainIO) Handshake() error { return nil }

func (p *plainIO) NegotiatedProtocol() string { return "" }

func (p *plainIO) CloseWrite() error {
	if cw, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// tlsIO is the TLS transport. Handshake must succeed and select HTTP/2
// before the session starts.
type tlsIO struct {
	*tls.Conn
}

// NewTLSTransport wraps an accepted connection in a server-side TLS
// session using the shared context.
func NewTLSTransport(c net.Conn, config *tls.Config) TransportIO {
	return &tlsIO{Conn: tls.Server(c, config)}
}

func (t *tlsIO) Handshake() error {
	if err := t.Conn.Handshake(); err != nil {
		return fmt.Errorf("h2: TLS handshake: %w", err)
	}
	if !CheckH2Selected(t.NegotiatedProtocol()) {
		return ErrNotH2
	}
	return nil
}

func (t *tlsIO) NegotiatedProtocol() string {
	return t.Conn.ConnectionState().NegotiatedProtocol
}

func (t *tlsIO) CloseWrite() error {
	// Sends the TLS close-notify alert.
	return t.Conn.CloseWrite()
}
