package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{
			name:   "string shorter than max",
			input:  "meridian",
			maxLen: 12,
			want:   "meridian",
		},
		{
			name:   "string equal to max",
			input:  "meridian",
			maxLen: 8,
			want:   "meridian",
		},
		{
			name:   "string longer than max",
			input:  "meridian holdings llc",
			maxLen: 12,
			want:   "meridian ...",
		},
		{
			name:   "empty string",
			input:  "",
			maxLen: 10,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestGetJSON(t *testing.T) {
	t.Run("decodes a successful response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
		}))
		defer server.Close()

		oldServerURL := serverURL
		serverURL = server.URL
		defer func() { serverURL = oldServerURL }()

		var health HealthResponse
		err := getJSON("/health", &health)

		require.NoError(t, err)
		assert.Equal(t, "ok", health.Status)
	})

	t.Run("reports connection errors", func(t *testing.T) {
		oldServerURL := serverURL
		serverURL = "http://127.0.0.1:1"
		defer func() { serverURL = oldServerURL }()

		var health HealthResponse
		err := getJSON("/health", &health)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect")
	})

	t.Run("reports non-200 status with the body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"failed to collect stats"}`))
		}))
		defer server.Close()

		oldServerURL := serverURL
		serverURL = server.URL
		defer func() { serverURL = oldServerURL }()

		var health HealthResponse
		err := getJSON("/health", &health)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
		assert.Contains(t, err.Error(), "failed to collect stats")
	})

	t.Run("reports invalid json", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("not valid json"))
		}))
		defer server.Close()

		oldServerURL := serverURL
		serverURL = server.URL
		defer func() { serverURL = oldServerURL }()

		var health HealthResponse
		err := getJSON("/health", &health)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode")
	})
}

func TestPostJSON(t *testing.T) {
	t.Run("accepts the expected status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/signals", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(SubmitResponse{SignalID: "sig-001", Status: "accepted"})
		}))
		defer server.Close()

		oldServerURL := serverURL
		serverURL = server.URL
		defer func() { serverURL = oldServerURL }()

		var resp SubmitResponse
		err := postJSON("/api/v1/signals", []byte(`{"signal_id":"sig-001"}`), http.StatusAccepted, &resp)

		require.NoError(t, err)
		assert.Equal(t, "sig-001", resp.SignalID)
		assert.Equal(t, "accepted", resp.Status)
	})

	t.Run("treats any other status as an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"dead letter already requeued"}`))
		}))
		defer server.Close()

		oldServerURL := serverURL
		serverURL = server.URL
		defer func() { serverURL = oldServerURL }()

		var resp RequeueResponse
		err := postJSON("/api/v1/deadletters/42/requeue", nil, http.StatusOK, &resp)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "status 409")
		assert.Contains(t, err.Error(), "already requeued")
	})
}
