package idempotency

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"sentinelcore/httperr"
)

// HeaderKey is the header mutating endpoints read the idempotency key
// from.
const HeaderKey = "Idempotency-Key"

// Middleware wraps an http.Handler with the idempotency protocol: a
// request without the header passes through untouched; a request with
// it is replayed, conflict-checked, or executed-and-recorded via Store.
func Middleware(s *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, int64(s.bodyLimit)+1))
			if err != nil {
				httperr.Write(w, httperr.Internal("read request body"))
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			reqHash, err := RequestHash(r.Method, r.URL.Path, decodeBodyForHash(bodyBytes))
			if err != nil {
				httperr.Write(w, httperr.Internal("hash request body"))
				return
			}

			outcome, status, body, err := s.Begin(r.Context(), r.Method, r.URL.Path, key, reqHash)
			if err != nil {
				if err == ErrConflict {
					httperr.Write(w, httperr.Conflict("IDEMPOTENCY_CONFLICT", "request body differs from the original request for this idempotency key"))
					return
				}
				if err == ErrStillProcessing {
					httperr.Write(w, httperr.Conflict("IDEMPOTENCY_IN_PROGRESS", "a concurrent request with this idempotency key is still being processed"))
					return
				}
				httperr.Write(w, httperr.Internal("idempotency lookup failed"))
				return
			}

			if outcome == OutcomeReplay {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write(body)
				return
			}

			// Buffer the handler's entire response rather than writing it
			// through live: an oversize body must come back as 413 with the
			// placeholder rolled back, which is only possible if nothing has
			// reached the real ResponseWriter yet.
			recorder := &responseRecorder{status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			if recorder.buf.Len() > s.bodyLimit {
				_ = s.Abort(r.Context(), r.Method, r.URL.Path, key)
				httperr.Write(w, httperr.BodyTooLarge("response body exceeds the configured idempotency limit"))
				return
			}

			if err := s.Complete(r.Context(), r.Method, r.URL.Path, key, recorder.status, recorder.buf.Bytes()); err != nil {
				_ = s.Abort(r.Context(), r.Method, r.URL.Path, key)
				httperr.Write(w, httperr.Internal("persist idempotent response"))
				return
			}

			for k, vs := range recorder.header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(recorder.status)
			_, _ = w.Write(recorder.buf.Bytes())
		})
	}
}

// responseRecorder buffers a handler's full response in memory so it can
// be persisted for replay and size-checked before anything reaches the
// real client connection.
type responseRecorder struct {
	header      http.Header
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (rr *responseRecorder) Header() http.Header {
	if rr.header == nil {
		rr.header = make(http.Header)
	}
	return rr.header
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.wroteHeader {
		return
	}
	rr.wroteHeader = true
	rr.status = status
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.WriteHeader(http.StatusOK)
	}
	return rr.buf.Write(b)
}

// decodeBodyForHash passes the raw JSON body through as-is; canonical.Marshal
// accepts any JSON-shaped value including raw bytes via json.RawMessage.
func decodeBodyForHash(body []byte) any {
	if len(body) == 0 {
		return map[string]any{}
	}
	return json.RawMessage(body)
}
