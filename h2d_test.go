package h2d

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

func newTestServer(t *testing.T, mutate func(cfg *Config)) (*HttpServer, string) {
	t.Helper()
	cfg := NewConfig()
	cfg.NoTLS = true
	cfg.Port = 0
	cfg.Htdocs = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	srv := New(cfg)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	addrs := srv.Addrs()
	if len(addrs) == 0 {
		t.Fatal("no listeners")
	}
	return srv, addrs[0].String()
}

func writeFile(t *testing.T, root, name, content string) string {
	t.Helper()
	p := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// h2cli is a minimal raw-framer HTTP/2 client for the tests. A single
// hpack decoder handles HEADERS and PUSH_PROMISE blocks in wire order.
type h2cli struct {
	t      *testing.T
	conn   net.Conn
	fr     *http2.Framer
	henc   *hpack.Encoder
	hbuf   bytes.Buffer
	hdec   *hpack.Decoder
	fields []hpack.HeaderField
	nextID uint32
}

func dialH2(t *testing.T, addr string, tlsConf *tls.Config) *h2cli {
	t.Helper()
	var conn net.Conn
	var err error
	if tlsConf != nil {
		conn, err = tls.Dial("tcp", addr, tlsConf)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &h2cli{t: t, conn: conn, nextID: 1}
	c.fr = http2.NewFramer(conn, conn)
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.hdec = hpack.NewDecoder(4096, func(f hpack.HeaderField) {
		c.fields = append(c.fields, f)
	})

	if _, err := io.WriteString(conn, http2.ClientPreface); err != nil {
		t.Fatal(err)
	}
	if err := c.fr.WriteSettings(); err != nil {
		t.Fatal(err)
	}
	return c
}

func (c *h2cli) decodeBlock(frag []byte) []hpack.HeaderField {
	c.t.Helper()
	c.fields = nil
	if _, err := c.hdec.Write(frag); err != nil {
		c.t.Fatal(err)
	}
	if err := c.hdec.Close(); err != nil {
		c.t.Fatal(err)
	}
	out := make([]hpack.HeaderField, len(c.fields))
	copy(out, c.fields)
	return out
}

func (c *h2cli) get(path string, extra ...hpack.HeaderField) uint32 {
	c.t.Helper()
	hf := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: path},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "h"},
	}
	hf = append(hf, extra...)
	c.hbuf.Reset()
	for _, f := range hf {
		if err := c.henc.WriteField(f); err != nil {
			c.t.Fatal(err)
		}
	}
	id := c.nextID
	c.nextID += 2
	err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: c.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     true,
	})
	if err != nil {
		c.t.Fatal(err)
	}
	return id
}

func (c *h2cli) readFrame() (http2.Frame, error) {
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	f, err := c.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	if sf, ok := f.(*http2.SettingsFrame); ok && !sf.IsAck() {
		if err := c.fr.WriteSettingsAck(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

type testResponse struct {
	headers  []hpack.HeaderField
	trailers []hpack.HeaderField
	body     []byte
	rst      *http2.ErrCode
}

func (r *testResponse) header(name string) string {
	for _, f := range r.headers {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

func (c *h2cli) readResponse(id uint32) *testResponse {
	c.t.Helper()
	r := &testResponse{}
	sawHeaders := false
	for {
		f, err := c.readFrame()
		if err != nil {
			c.t.Fatalf("read frame: %v", err)
		}
		switch f := f.(type) {
		case *http2.HeadersFrame:
			fields := c.decodeBlock(f.HeaderBlockFragment())
			if f.Header().StreamID != id {
				continue
			}
			if !sawHeaders {
				sawHeaders = true
				r.headers = fields
			} else {
				r.trailers = fields
			}
			if f.StreamEnded() {
				return r
			}
		case *http2.PushPromiseFrame:
			c.decodeBlock(f.HeaderBlockFragment())
		case *http2.DataFrame:
			if f.Header().StreamID != id {
				continue
			}
			r.body = append(r.body, f.Data()...)
			if f.StreamEnded() {
				return r
			}
		case *http2.RSTStreamFrame:
			if f.Header().StreamID != id {
				continue
			}
			code := f.ErrCode
			r.rst = &code
			return r
		}
	}
}

func TestStatic200(t *testing.T) {
	var root string
	_, addr := newTestServer(t, func(cfg *Config) { root = cfg.Htdocs })
	writeFile(t, root, "hello.txt", "hi\n")

	c := dialH2(t, addr, nil)
	r := c.readResponse(c.get("/hello.txt"))

	if r.header(":status") != "200" {
		t.Fatal("status", r.headers)
	}
	if r.header("content-length") != "3" {
		t.Fatal("content-length", r.headers)
	}
	if r.header("server") != ServerSoftware {
		t.Fatal("server header", r.header("server"))
	}
	if _, err := time.Parse("Mon, 02 Jan 2006 15:04:05 GMT", r.header("date")); err != nil {
		t.Fatal("date header", r.header("date"), err)
	}
	if r.header("cache-control") != "max-age=3600" {
		t.Fatal("cache-control", r.headers)
	}
	if string(r.body) != "hi\n" {
		t.Fatalf("body %q", r.body)
	}
}

func TestDirectoryRedirect(t *testing.T) {
	var root string
	_, addr := newTestServer(t, func(cfg *Config) { root = cfg.Htdocs })
	if err := os.MkdirAll(filepath.Join(root, "d"), 0o755); err != nil {
		t.Fatal(err)
	}

	c := dialH2(t, addr, nil)
	r := c.readResponse(c.get("/d"))
	if r.header(":status") != "301" {
		t.Fatal("status", r.headers)
	}
	if r.header("location") != "https://h/d/" {
		t.Fatal("location", r.header("location"))
	}
	if len(r.body) != 0 {
		t.Fatalf("redirect carried a body %q", r.body)
	}

	// The slash is inserted before the query string.
	r2 := c.readResponse(c.get("/d?k=v"))
	if r2.header("location") != "https://h/d/?k=v" {
		t.Fatal("location with query", r2.header("location"))
	}
}

func TestDefaultIndex(t *testing.T) {
	var root string
	_, addr := newTestServer(t, func(cfg *Config) { root = cfg.Htdocs })
	writeFile(t, root, "d/index.html", "X")

	c := dialH2(t, addr, nil)
	r := c.readResponse(c.get("/d/"))
	if r.header(":status") != "200" || string(r.body) != "X" {
		t.Fatal("index response", r.headers, string(r.body))
	}
}

func TestNotFound(t *testing.T) {
	_, addr := newTestServer(t, nil)

	c := dialH2(t, addr, nil)
	r := c.readResponse(c.get("/missing"))

	if r.header(":status") != "404" {
		t.Fatal("status", r.headers)
	}
	if r.header("content-type") != "text/html; charset=UTF-8" {
		t.Fatal("content-type", r.headers)
	}
	body := string(r.body)
	if !strings.Contains(body, "<title>404</title>") ||
		!strings.Contains(body, "<h1>404</h1>") ||
		!strings.Contains(body, ServerSoftware) {
		t.Fatalf("404 template %q", body)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	var root string
	_, addr := newTestServer(t, func(cfg *Config) { root = cfg.Htdocs })
	writeFile(t, root, "hello.txt", "hi\n")

	c := dialH2(t, addr, nil)
	for _, p := range []string{"/../hello.txt", "/a/../../b", "/a/.", "/%2e%2e/x"} {
		r := c.readResponse(c.get(p))
		if r.header(":status") != "404" {
			t.Fatalf("path %q: status %s", p, r.header(":status"))
		}
	}
}

func TestIfModifiedSince(t *testing.T) {
	var root string
	_, addr := newTestServer(t, func(cfg *Config) { root = cfg.Htdocs })
	p := writeFile(t, root, "f.txt", "data")
	mtime := time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC)
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	c := dialH2(t, addr, nil)

	r := c.readResponse(c.get("/f.txt", hpack.HeaderField{
		Name: "if-modified-since", Value: mtime.Format("Mon, 02 Jan 2006 15:04:05 GMT"),
	}))
	if r.header(":status") != "304" {
		t.Fatal("status", r.headers)
	}
	if len(r.body) != 0 {
		t.Fatalf("304 carried a body %q", r.body)
	}

	r2 := c.readResponse(c.get("/f.txt", hpack.HeaderField{
		Name: "if-modified-since", Value: mtime.Add(-time.Hour).Format("Mon, 02 Jan 2006 15:04:05 GMT"),
	}))
	if r2.header(":status") != "200" || string(r2.body) != "data" {
		t.Fatal("stale copy must be refreshed", r2.headers, string(r2.body))
	}
	if r2.header("last-modified") != mtime.Format("Mon, 02 Jan 2006 15:04:05 GMT") {
		t.Fatal("last-modified", r2.header("last-modified"))
	}
}

func TestPush(t *testing.T) {
	var root string
	_, addr := newTestServer(t, func(cfg *Config) {
		root = cfg.Htdocs
		cfg.Push = map[string][]string{
			"/a.html": {"/b.css"},
			// Even though the pushed path has its own entry, serving a
			// promised stream must not push again.
			"/b.css": {"/a.html"},
		}
	})
	writeFile(t, root, "a.html", "A")
	writeFile(t, root, "b.css", "B")

	c := dialH2(t, addr, nil)
	id := c.get("/a.html")

	promises := 0
	var promisedID uint32
	promised := map[string]string{}
	bodies := map[uint32]string{}
	ended := map[uint32]bool{}

	for !ended[id] || promisedID == 0 || !ended[promisedID] {
		f, err := c.readFrame()
		if err != nil {
			t.Fatal(err)
		}
		switch f := f.(type) {
		case *http2.PushPromiseFrame:
			promises++
			promisedID = f.PromiseID
			for _, hf := range c.decodeBlock(f.HeaderBlockFragment()) {
				promised[hf.Name] = hf.Value
			}
		case *http2.HeadersFrame:
			c.decodeBlock(f.HeaderBlockFragment())
			if f.StreamEnded() {
				ended[f.Header().StreamID] = true
			}
		case *http2.DataFrame:
			bodies[f.Header().StreamID] += string(f.Data())
			if f.StreamEnded() {
				ended[f.Header().StreamID] = true
			}
		}
	}

	if promises != 1 {
		t.Fatal("push count", promises)
	}
	// The promise's scheme follows the transport, not the request.
	want := map[string]string{
		":method": "GET", ":path": "/b.css", ":scheme": "http", ":authority": "h",
	}
	for k, v := range want {
		if promised[k] != v {
			t.Fatalf("promised %s = %q, want %q", k, promised[k], v)
		}
	}
	if bodies[id] != "A" || bodies[promisedID] != "B" {
		t.Fatal("bodies", bodies)
	}
}

func TestDoNotRespondMarker(t *testing.T) {
	var root string
	_, addr := newTestServer(t, func(cfg *Config) { root = cfg.Htdocs })
	writeFile(t, root, "x", "data")

	c := dialH2(t, addr, nil)
	silent := c.get("/x?nghttpd_do_not_respond_to_req=yes")

	// A later request on the same session is answered; nothing must
	// have arrived for the silent stream by then.
	ok := c.get("/x")
	r := c.readResponseCheckingSilence(ok, silent)
	if r.header(":status") != "200" || string(r.body) != "data" {
		t.Fatal("normal request", r.headers, string(r.body))
	}
}

// readResponseCheckingSilence fails the test if any frame shows up for
// the muted stream while reading id's response.
func (c *h2cli) readResponseCheckingSilence(id, muted uint32) *testResponse {
	c.t.Helper()
	r := &testResponse{}
	sawHeaders := false
	for {
		f, err := c.readFrame()
		if err != nil {
			c.t.Fatal(err)
		}
		if f.Header().StreamID == muted {
			if _, ok := f.(*http2.WindowUpdateFrame); !ok {
				c.t.Fatalf("muted stream got %T", f)
			}
		}
		switch f := f.(type) {
		case *http2.HeadersFrame:
			fields := c.decodeBlock(f.HeaderBlockFragment())
			if f.Header().StreamID != id {
				continue
			}
			if !sawHeaders {
				sawHeaders = true
				r.headers = fields
			}
			if f.StreamEnded() {
				return r
			}
		case *http2.DataFrame:
			if f.Header().StreamID != id {
				continue
			}
			r.body = append(r.body, f.Data()...)
			if f.StreamEnded() {
				return r
			}
		}
	}
}

func TestErrorGzip(t *testing.T) {
	_, addr := newTestServer(t, func(cfg *Config) { cfg.ErrorGzip = true })

	c := dialH2(t, addr, nil)
	r := c.readResponse(c.get("/missing"))

	if r.header("content-encoding") != "gzip" {
		t.Fatal("content-encoding", r.headers)
	}
	zr, err := gzip.NewReader(bytes.NewReader(r.body))
	if err != nil {
		t.Fatal(err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(plain), "<h1>404</h1>") {
		t.Fatalf("gzip body %q", plain)
	}
}

func TestRepeatedGETsIdentical(t *testing.T) {
	var root string
	_, addr := newTestServer(t, func(cfg *Config) { root = cfg.Htdocs })
	writeFile(t, root, "f", "same bytes")

	c := dialH2(t, addr, nil)
	r1 := c.readResponse(c.get("/f"))
	r2 := c.readResponse(c.get("/f"))

	if !bytes.Equal(r1.body, r2.body) {
		t.Fatal("bodies differ")
	}
	strip := func(hf []hpack.HeaderField) []hpack.HeaderField {
		var out []hpack.HeaderField
		for _, f := range hf {
			if f.Name != "date" {
				out = append(out, f)
			}
		}
		return out
	}
	a, b := strip(r1.headers), strip(r2.headers)
	if len(a) != len(b) {
		t.Fatal("header counts differ", a, b)
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Value != b[i].Value {
			t.Fatal("headers differ", a[i], b[i])
		}
	}
}

func TestEarlyResponse(t *testing.T) {
	var root string
	_, addr := newTestServer(t, func(cfg *Config) {
		root = cfg.Htdocs
		cfg.EarlyResponse = true
	})
	writeFile(t, root, "f", "early")

	c := dialH2(t, addr, nil)

	// Headers only, request body never finished.
	c.hbuf.Reset()
	for _, f := range []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/f"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "h"},
	} {
		c.henc.WriteField(f)
	}
	if err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID: 1, BlockFragment: c.hbuf.Bytes(), EndHeaders: true,
	}); err != nil {
		t.Fatal(err)
	}
	r := c.readResponse(1)
	if r.header(":status") != "200" || string(r.body) != "early" {
		t.Fatal("early response", r.headers, string(r.body))
	}
}

func TestConfiguredTrailers(t *testing.T) {
	var root string
	_, addr := newTestServer(t, func(cfg *Config) {
		root = cfg.Htdocs
		cfg.Trailer = []HeaderKV{{Name: "x-sum", Value: "none"}}
	})
	writeFile(t, root, "f", "body")

	c := dialH2(t, addr, nil)
	r := c.readResponse(c.get("/f"))

	if r.header("trailer") != "x-sum" {
		t.Fatal("trailer header", r.headers)
	}
	if len(r.trailers) != 1 || r.trailers[0].Name != "x-sum" {
		t.Fatal("trailers", r.trailers)
	}
}

// selfSignedCert writes a throwaway key/cert pair and returns their
// paths.
func selfSignedCert(t *testing.T) (keyFile, certFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	keyFile = filepath.Join(dir, "key.pem")
	certFile = filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(certFile,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile,
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return keyFile, certFile
}

func TestTLSServe(t *testing.T) {
	key, cert := selfSignedCert(t)
	var root string
	_, addr := newTestServer(t, func(cfg *Config) {
		root = cfg.Htdocs
		cfg.NoTLS = false
		cfg.PrivateKeyFile = key
		cfg.CertFile = cert
	})
	writeFile(t, root, "s.txt", "secret")

	c := dialH2(t, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"h2"},
	})
	r := c.readResponse(c.get("/s.txt"))
	if r.header(":status") != "200" || string(r.body) != "secret" {
		t.Fatal("TLS response", r.headers, string(r.body))
	}
}

func TestTLSRequiresH2(t *testing.T) {
	key, cert := selfSignedCert(t)
	_, addr := newTestServer(t, func(cfg *Config) {
		cfg.NoTLS = false
		cfg.PrivateKeyFile = key
		cfg.CertFile = cert
	})

	conn, err := tls.Dial("tcp", addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"http/1.1"},
	})
	if err != nil {
		// The server's ALPN config has no overlap; a handshake failure
		// is the expected outcome.
		return
	}
	defer conn.Close()

	// If the handshake survived (no ALPN from an old client), the
	// server must drop the connection without serving HTTP/2.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	io.WriteString(conn, http2.ClientPreface)
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("server served a non-h2 connection")
	}
}

func TestStartFailsOnMissingCert(t *testing.T) {
	cfg := NewConfig()
	cfg.Port = 0
	cfg.PrivateKeyFile = "/does/not/exist.pem"
	cfg.CertFile = "/does/not/exist.pem"
	if err := New(cfg).Start(); err == nil {
		t.Fatal("startup must fail without key material")
	}
}

func TestMultiWorkerServes(t *testing.T) {
	var root string
	_, addr := newTestServer(t, func(cfg *Config) {
		root = cfg.Htdocs
		cfg.NumWorker = 3
	})
	writeFile(t, root, "w.txt", "w")

	// Several connections, round-robined across workers.
	for i := 0; i < 6; i++ {
		c := dialH2(t, addr, nil)
		r := c.readResponse(c.get("/w.txt"))
		if r.header(":status") != "200" || string(r.body) != "w" {
			t.Fatal("worker response", i, r.headers)
		}
	}
}
