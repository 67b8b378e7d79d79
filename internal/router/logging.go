package router

import (
	"net"
	"net/http"
	"strings"
	"time"
)

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

// accessLog emits one line per request. Reads log at debug so polling UIs
// stay out of the way; anything that mutates logs at info.
func (r *Router) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, req)
		dur := time.Since(start)

		evt := r.logger.Debug()
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			evt = r.logger.Info()
		}
		evt.Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", statusOrDefault(rec.status)).
			Int("bytes", rec.bytes).
			Float64("duration_ms", float64(dur.Microseconds())/1000.0).
			Str("ip", realIP(req)).
			Str("user_agent", req.Header.Get("User-Agent")).
			Msg("http request")
	})
}

func realIP(req *http.Request) string {
	xff := req.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xr := req.Header.Get("X-Real-IP"); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func statusOrDefault(st int) int {
	if st == 0 {
		return http.StatusOK
	}
	return st
}
