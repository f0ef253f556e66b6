// HTTP response compression for the JSON API and the SSE event stream.
//
// Encodings are negotiated in preference order zstd, br, gzip, all at their
// fastest levels; latency matters more than ratio for streamed agent events.
// Flush reaches through the compressor so each SSE event leaves the process
// as soon as the hub writes it.
package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// encodingPreference lists supported codings, best first.
var encodingPreference = []string{"zstd", "br", "gzip"}

// compressMiddleware compresses responses according to Accept-Encoding.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := negotiateEncoding(r.Header.Get("Accept-Encoding"))
		if enc == "" {
			next.ServeHTTP(w, r)
			return
		}
		cw := &compressWriter{ResponseWriter: w, encoding: enc}
		defer cw.finish()
		next.ServeHTTP(cw, r)
	})
}

// negotiateEncoding picks the most preferred coding the client accepts.
// q-values are ignored except explicit rejections (q=0).
func negotiateEncoding(header string) string {
	accepted := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		params = strings.ReplaceAll(params, " ", "")
		if strings.Contains(params, "q=0,") || strings.HasSuffix(params, "q=0") {
			continue
		}
		accepted[name] = true
	}
	for _, enc := range encodingPreference {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

// compressWriter defers the compress-or-not decision to the first write so
// it can see the handler's response headers.
type compressWriter struct {
	http.ResponseWriter
	encoding string
	writer   io.WriteCloser
	decided  bool
	passThru bool
}

func (cw *compressWriter) WriteHeader(code int) {
	cw.decide()
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	cw.decide()
	if cw.passThru {
		return cw.ResponseWriter.Write(b)
	}
	return cw.writer.Write(b)
}

func (cw *compressWriter) decide() {
	if cw.decided {
		return
	}
	cw.decided = true

	h := cw.Header()
	if h.Get("Content-Encoding") != "" {
		// Already encoded upstream; leave the body alone.
		cw.passThru = true
		return
	}
	h.Del("Content-Length")
	h.Set("Content-Encoding", cw.encoding)
	h.Add("Vary", "Accept-Encoding")

	switch cw.encoding {
	case "zstd":
		zw, _ := zstd.NewWriter(cw.ResponseWriter, zstd.WithEncoderLevel(zstd.SpeedFastest))
		cw.writer = zw
	case "br":
		cw.writer = brotli.NewWriterLevel(cw.ResponseWriter, 1)
	case "gzip":
		gw, _ := gzip.NewWriterLevel(cw.ResponseWriter, gzip.BestSpeed)
		cw.writer = gw
	}
}

func (cw *compressWriter) finish() {
	if cw.writer != nil {
		_ = cw.writer.Close()
	}
}

// Flush drains the compressor before flushing the connection, so streamed
// events are not held back in its window.
func (cw *compressWriter) Flush() {
	if f, ok := cw.writer.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (cw *compressWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
