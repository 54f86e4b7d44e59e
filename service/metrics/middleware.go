package metrics

import (
	"net/http"
	"time"
)

// InstrumentMux records request counts and latencies for every request served
// by mux. Requests are labelled with the matched route pattern, such as
// "GET /api/v1/distributions/{receipt_id}", so receipt ids never become label
// values. Requests that match no route are labelled "unmatched". A nil m
// returns mux unchanged.
func InstrumentMux(m *Metrics, mux *http.ServeMux) http.Handler {
	if m == nil {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		_, pattern := mux.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		mux.ServeHTTP(rec, r)

		m.RecordHTTPRequest(pattern, r.Method, rec.status, time.Since(start).Seconds())
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
