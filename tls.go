package h2d

import (
	"crypto/tls"
	"fmt"
)

// NewServerTLSConfig builds the shared TLS context: HTTP/2 via ALPN,
// modern ciphers with the P-256 curve preferred, no session tickets.
// The context is immutable and shared by every worker; it must be
// built before any worker starts.
func NewServerTLSConfig(cfg *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("h2d: load key/certificate: %w", err)
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2"},
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
		// Renegotiation stays at RenegotiateNever; a peer attempting it
		// mid-session gets a fatal alert.
		SessionTicketsDisabled: true,
	}
	if cfg.VerifyClient {
		// Request the certificate for testing, accept any.
		tc.ClientAuth = tls.RequestClientCert
	}
	// DHParamFile is accepted in the config for compatibility; finite
	// field DHE is not offered, so the file is not read.
	return tc, nil
}
