package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/txflow/internal/logging"
)

func TestLogging_PropagatesTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("http", logging.Config{Level: "debug", Output: &buf})

	var seen string
	r := mux.NewRouter()
	r.Use(Logging(logger))
	r.HandleFunc("/events/{id}", func(w http.ResponseWriter, req *http.Request) {
		seen = logging.TraceID(req.Context())
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/events/7", nil)
	req.Header.Set(TraceHeader, "trace-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "trace-1", seen)
	assert.Equal(t, "trace-1", rec.Header().Get(TraceHeader))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "trace-1", line["trace_id"])
	assert.Equal(t, "/events/{id}", line["path"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
}

func TestLogging_GeneratesTraceID(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Logging(logging.NewNop()))
	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Header().Get(TraceHeader), 36)
}

func TestRecover(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Recover(logging.NewNop()))
	r.HandleFunc("/", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
