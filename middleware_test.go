package sentryz

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsTransaction(t *testing.T) {
	hub, transport, _ := newTestHub(t, Options{TracesSampleRate: floatPtr(1)})

	var inner *ActiveSpan
	handler := hub.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Same(t, hub, HubFromContext(r.Context()))
		inner = SpanFromContext(r.Context())

		_, span := hub.StartTransaction(r.Context(), "db.query")
		_ = span.Finish()
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/users/7", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, inner)
	assert.True(t, inner.IsRoot())

	txs := sentTransactions(t, hub, transport)
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, "GET /users/7", tx["transaction"])
	assert.Equal(t, map[string]any{"http.method": "GET", "http.status_code": "404"}, tx["tags"])
	assert.Len(t, tx["spans"], 1)
}

func TestMiddlewareContinuesIncomingTrace(t *testing.T) {
	hub, transport, _ := newTestHub(t, Options{TracesSampler: ParentSampler(NewRatioSampler(0))})

	handler := hub.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(TraceHeaderName, "0123456789abcdef0123456789abcdef-0123456789abcdef-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	txs := sentTransactions(t, hub, transport)
	require.Len(t, txs, 1)
	trace := txs[0]["contexts"].(map[string]any)["trace"].(map[string]any)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", trace["trace_id"])
	assert.Equal(t, "0123456789abcdef", trace["parent_span_id"])
	assert.Equal(t, "200", txs[0]["tags"].(map[string]any)["http.status_code"])
}

func TestMiddlewareReportsPanic(t *testing.T) {
	hub, transport, _ := newTestHub(t, Options{TracesSampleRate: floatPtr(1)})

	handler := hub.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))

	assert.PanicsWithValue(t, "handler exploded", func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	})

	events := sentEvents(t, hub, transport)
	require.Len(t, events, 1)
	assert.Equal(t, "fatal", events[0]["level"])
	assert.Equal(t, "GET /boom", events[0]["tags"].(map[string]any)["transaction"])

	txs := sentTransactions(t, hub, transport)
	require.Len(t, txs, 1)
	tags := txs[0]["tags"].(map[string]any)
	assert.Equal(t, "500", tags["http.status_code"])
	assert.Equal(t, events[0]["tags"].(map[string]any)["trace_id"],
		txs[0]["contexts"].(map[string]any)["trace"].(map[string]any)["trace_id"])
}
