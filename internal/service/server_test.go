package service

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogRequests(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := logRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/webhooks/voice/post-call":
			w.WriteHeader(http.StatusInternalServerError)
		case "/healthz":
			_, _ = w.Write([]byte("ok"))
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}), zap.New(core))

	for _, path := range []string{"/api/v1/escalations", "/webhooks/voice/post-call", "/healthz"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 2, "health probes stay below info")

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "/api/v1/escalations", entries[0].ContextMap()["path"])
	assert.EqualValues(t, http.StatusAccepted, entries[0].ContextMap()["status"])

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.EqualValues(t, http.StatusInternalServerError, entries[1].ContextMap()["status"])
	assert.Equal(t, http.MethodPost, entries[1].ContextMap()["method"])
}

func TestLogRequests_ImplicitOK(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := logRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}), zap.New(core))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.DebugLevel, logs.All()[0].Level)
	assert.EqualValues(t, http.StatusOK, logs.All()[0].ContextMap()["status"])
}
