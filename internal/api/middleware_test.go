package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovery(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{
			name: "panic before writing",
			handler: func(http.ResponseWriter, *http.Request) {
				panic("boom")
			},
			wantCode: http.StatusInternalServerError,
		},
		{
			name: "panic after headers",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write([]byte("partial"))
				panic("boom")
			},
			wantCode: http.StatusAccepted,
			wantBody: "partial",
		},
		{
			name: "panic after implicit headers",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("partial"))
				panic("boom")
			},
			wantCode: http.StatusOK,
			wantBody: "partial",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, chain := range []http.Handler{
				recovery()(tt.handler),
				requestLogger()(recovery()(tt.handler)),
			} {
				rec := httptest.NewRecorder()
				chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

				assert.Equal(t, tt.wantCode, rec.Code)
				if tt.wantBody != "" {
					assert.Equal(t, tt.wantBody, rec.Body.String())
					continue
				}
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, "internal server error", body["error"])
			}
		})
	}
}

func TestResponseWriterRecordsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)
	rw.WriteHeader(http.StatusInternalServerError)

	assert.True(t, rw.wroteHeader)
	assert.Equal(t, http.StatusNotFound, rw.statusCode)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
