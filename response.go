package h2d

import (
	"bytes"
	"compress/gzip"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/costinm/h2d/h2"
)

const defaultHTML = "index.html"

// Requests whose query string carries this marker get no response at
// all, so clients can exercise their own timeout handling.
const doNotRespondMarker = "nghttpd_do_not_respond_to_req=yes"

// prepareResponse maps a completed request to a response: path
// resolution against the document root, push promises, redirects,
// conditional requests and the file body. allowPush is false when the
// stream was itself promised.
func prepareResponse(s *Sessions, hd *h2.Http2Handler, st *h2.Stream, allowPush bool) {
	cfg := s.cfg

	reqpath, ok := st.Header(":path")
	if !ok {
		prepareStatusResponse(s, hd, st, "400")
		return
	}

	var lastMod time.Time
	ims, imsFound := st.Header("if-modified-since")
	if imsFound {
		lastMod, _ = http.ParseTime(ims)
	}

	rawURL := reqpath
	if qp := strings.Index(reqpath, "?"); qp >= 0 {
		if strings.Contains(reqpath[qp:], doNotRespondMarker) {
			return
		}
		rawURL = reqpath[:qp]
	}

	u, err := url.PathUnescape(rawURL)
	if err != nil || !checkPath(u) {
		prepareStatusResponse(s, hd, st, "404")
		return
	}

	if allowPush {
		for _, p := range cfg.Push[u] {
			if err := hd.SubmitPushPromise(st, p); err != nil {
				log.Printf("h2d: [id=%d] submit push promise %s: %v", hd.SessionID(), p, err)
			}
		}
	}

	path := cfg.Htdocs + u
	if strings.HasSuffix(path, "/") {
		path += defaultHTML
	}

	f, err := os.Open(path)
	if err != nil {
		prepareStatusResponse(s, hd, st, "404")
		return
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		prepareStatusResponse(s, hd, st, "404")
		return
	}

	if fi.IsDir() {
		f.Close()
		if qp := strings.Index(reqpath, "?"); qp >= 0 {
			reqpath = reqpath[:qp] + "/" + reqpath[qp:]
		} else {
			reqpath += "/"
		}
		prepareRedirectResponse(s, hd, st, reqpath, "301")
		return
	}

	// HTTP dates carry whole seconds, so compare at that precision.
	if imsFound && !fi.ModTime().Truncate(time.Second).After(lastMod) {
		f.Close()
		prepareStatusResponse(s, hd, st, "304")
		return
	}

	RequestResult.Increment("200")
	hd.SubmitFileResponse(st, "200", fi.ModTime(), fi.Size(), f)
}

// prepareRedirectResponse sends a 301 whose location is rebuilt from
// the request's scheme and authority.
func prepareRedirectResponse(s *Sessions, hd *h2.Http2Handler, st *h2.Stream, path, status string) {
	scheme, sok := st.Header(":scheme")
	authority, aok := st.Header(":authority")
	if !aok {
		authority, aok = st.Header("host")
	}
	if !sok || !aok {
		prepareStatusResponse(s, hd, st, "400")
		return
	}
	location := scheme + "://" + authority + path
	RequestResult.Increment(status)
	hd.SubmitResponse(st, status,
		[]hpack.HeaderField{{Name: "location", Value: location}}, nil, 0)
}

// prepareStatusResponse serves a canned status page. 304 is headers
// only; the rest get a small HTML body, gzip-encoded when configured.
func prepareStatusResponse(s *Sessions, hd *h2.Http2Handler, st *h2.Stream, status string) {
	RequestResult.Increment(status)
	if status == "304" {
		hd.SubmitResponse(st, status, nil, nil, 0)
		return
	}

	body := "<html><head><title>" + status + "</title></head><body><h1>" +
		status + "</h1><hr><address>" + ServerSoftware + " at port " +
		strconv.Itoa(s.cfg.Port) + "</address></body></html>"

	var hdrs []hpack.HeaderField
	b := []byte(body)
	if s.cfg.ErrorGzip {
		var zb bytes.Buffer
		zw := gzip.NewWriter(&zb)
		zw.Write(b)
		zw.Close()
		b = zb.Bytes()
		hdrs = append(hdrs, hpack.HeaderField{Name: "content-encoding", Value: "gzip"})
	}
	hdrs = append(hdrs, hpack.HeaderField{Name: "content-type", Value: "text/html; charset=UTF-8"})
	hd.SubmitResponse(st, status, hdrs, io.NopCloser(bytes.NewReader(b)), int64(len(b)))
}

// checkPath accepts only absolute, already-decoded paths that cannot
// escape the document root.
func checkPath(path string) bool {
	return path != "" && path[0] == '/' &&
		!strings.ContainsAny(path, "\\\x00") &&
		!strings.Contains(path, "/../") &&
		!strings.Contains(path, "/./") &&
		!strings.HasSuffix(path, "/..") &&
		!strings.HasSuffix(path, "/.")
}
