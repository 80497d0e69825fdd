package sentryz

import (
	"net/http"
	"strconv"
)

// statusRecorder captures the response status for the transaction.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps next so that each request runs inside a transaction.
//
// An incoming sentry-trace header continues the caller's trace. The hub is
// stored in the request context (see HubFromContext). Panics are reported
// as fatal events, the transaction is finished, and the panic is re-raised
// for the server to handle.
func (h *Hub) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, tx := h.StartTransaction(h.WithContext(r.Context()), "http.server",
			WithName(r.Method+" "+r.URL.Path),
			WithTraceHeader(r.Header.Get(TraceHeaderName)),
			WithTags(map[Tag]string{"http.method": r.Method}),
		)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if v := recover(); v != nil {
				h.Recover(v, WithEventTags(map[Tag]string{
					"transaction": r.Method + " " + r.URL.Path,
					"trace_id":    tx.TraceID(),
				}))
				tx.SetTag("http.status_code", strconv.Itoa(http.StatusInternalServerError))
				_ = h.finish(tx)
				panic(v)
			}
			tx.SetTag("http.status_code", strconv.Itoa(rec.status))
			_ = h.finish(tx)
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}
