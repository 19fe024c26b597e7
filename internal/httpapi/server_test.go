package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/deadletter"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/ingest"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/pipeline"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/registry"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/signal"
	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/store"
)

// fakeIntake records submissions and serves a scripted snapshot.
type fakeIntake struct {
	mu   sync.Mutex
	msgs []ingest.Message
	err  error
	snap pipeline.Snapshot
}

func (f *fakeIntake) Handle(_ context.Context, msg ingest.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeIntake) Snapshot() pipeline.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeIntake) received() []ingest.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ingest.Message(nil), f.msgs...)
}

// captureRepublisher records requeued payload subjects.
type captureRepublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (c *captureRepublisher) Publish(subject string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	return nil
}

func (c *captureRepublisher) published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subjects...)
}

type testServer struct {
	srv    *Server
	intake *fakeIntake
	st     *store.Store
	reg    registry.Service
	dlq    deadletter.Service
	repub  *captureRepublisher
}

// setupTestServer assembles the API over a real store, registry and
// dead-letter service; only the pipeline is faked.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := zap.NewNop()
	reg, err := registry.NewService(nil, st, logger)
	require.NoError(t, err)

	repub := &captureRepublisher{}
	dlq, err := deadletter.NewService(deadletter.DefaultConfig(), st, repub, logger)
	require.NoError(t, err)

	intake := &fakeIntake{}
	srv, err := NewServer(intake, reg, dlq, st, logger, &Config{Host: "localhost", Port: 8090})
	require.NoError(t, err)

	return &testServer{srv: srv, intake: intake, st: st, reg: reg, dlq: dlq, repub: repub}
}

func (ts *testServer) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.srv.echo.ServeHTTP(rec, req)
	return rec
}

func signalBody(t *testing.T, id string) []byte {
	t.Helper()
	sig := signal.Signal{
		ID:     id,
		Type:   signal.TypeLitigation,
		Source: "pacer",
		Mention: signal.Mention{
			CanonicalName: "Meridian Fabrication LLC",
			EntityType:    signal.EntityCompany,
		},
		Triggers:   signal.TriggerSet{Urgency: 7, FinancialStress: 6},
		ObservedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(sig)
	require.NoError(t, err)
	return data
}

func seedEntity(t *testing.T, ts *testServer, name string, entityType signal.EntityType, aliases ...string) *signal.Entity {
	t.Helper()
	e := signal.NewEntity(signal.Mention{CanonicalName: name, EntityType: entityType})
	e.Aliases = aliases
	require.NoError(t, ts.reg.Create(context.Background(), e))
	return e
}

// seedDeadLetter claims a signal in the ledger and buries it, the way the
// pipeline does after retry exhaustion.
func seedDeadLetter(t *testing.T, ts *testServer, signalID string) int64 {
	t.Helper()
	ctx := context.Background()

	payload := signalBody(t, signalID)
	var sig signal.Signal
	require.NoError(t, json.Unmarshal(payload, &sig))

	ok, err := ts.st.AcquireSignal(ctx, &sig)
	require.NoError(t, err)
	require.True(t, ok)

	id, err := ts.dlq.Bury(ctx, signalID, "resolve", 4, errors.New("registry unavailable"), payload)
	require.NoError(t, err)
	return id
}

func TestNewServer(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "deps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := zap.NewNop()
	reg, err := registry.NewService(nil, st, logger)
	require.NoError(t, err)
	dlq, err := deadletter.NewService(deadletter.DefaultConfig(), st, &captureRepublisher{}, logger)
	require.NoError(t, err)
	intake := &fakeIntake{}

	t.Run("creates server with valid config", func(t *testing.T) {
		cfg := &Config{Host: "localhost", Port: 8090}
		srv, err := NewServer(intake, reg, dlq, st, logger, cfg)
		require.NoError(t, err)
		assert.NotNil(t, srv)
		assert.NotNil(t, srv.echo)
		assert.Equal(t, cfg, srv.config)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		srv, err := NewServer(intake, reg, dlq, st, logger, nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", srv.config.Host)
		assert.Equal(t, 8090, srv.config.Port)
	})

	t.Run("returns error when intake is nil", func(t *testing.T) {
		_, err := NewServer(nil, reg, dlq, st, logger, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "intake pipeline cannot be nil")
	})

	t.Run("returns error when registry is nil", func(t *testing.T) {
		_, err := NewServer(intake, nil, dlq, st, logger, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "registry cannot be nil")
	})

	t.Run("returns error when dead-letter service is nil", func(t *testing.T) {
		_, err := NewServer(intake, reg, nil, st, logger, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "dead-letter service cannot be nil")
	})

	t.Run("returns error when stats source is nil", func(t *testing.T) {
		_, err := NewServer(intake, reg, dlq, nil, logger, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "stats source cannot be nil")
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(intake, reg, dlq, st, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleSubmitSignal(t *testing.T) {
	t.Run("accepts a valid signal", func(t *testing.T) {
		ts := setupTestServer(t)
		body := signalBody(t, "sig-http-1")

		rec := ts.do(t, http.MethodPost, "/api/v1/signals", body)
		assert.Equal(t, http.StatusAccepted, rec.Code)

		var resp SubmitResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "sig-http-1", resp.SignalID)
		assert.Equal(t, "accepted", resp.Status)

		msgs := ts.intake.received()
		require.Len(t, msgs, 1)
		assert.Equal(t, sourceAPI, msgs[0].Source)
		assert.Equal(t, body, msgs[0].Data)
	})

	t.Run("accepts a signal without an entity type", func(t *testing.T) {
		ts := setupTestServer(t)
		sig := signal.Signal{
			ID:     "sig-http-notype",
			Type:   signal.TypeLitigation,
			Source: "pacer",
			Mention: signal.Mention{
				CanonicalName: "Meridian Fabrication LLC",
			},
			ObservedAt: time.Now().UTC(),
		}
		body, err := json.Marshal(sig)
		require.NoError(t, err)

		rec := ts.do(t, http.MethodPost, "/api/v1/signals", body)
		assert.Equal(t, http.StatusAccepted, rec.Code, "missing entity_type defaults, not rejects")
		require.Len(t, ts.intake.received(), 1)
	})

	t.Run("rejects a body that is not json", func(t *testing.T) {
		ts := setupTestServer(t)

		rec := ts.do(t, http.MethodPost, "/api/v1/signals", []byte("not json"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, ts.intake.received())
	})

	t.Run("rejects an invalid signal with the reason", func(t *testing.T) {
		ts := setupTestServer(t)
		sig := signal.Signal{Type: signal.TypeLitigation} // no ID
		body, err := json.Marshal(sig)
		require.NoError(t, err)

		rec := ts.do(t, http.MethodPost, "/api/v1/signals", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Contains(t, resp["message"], "signal_id is required")
		assert.Empty(t, ts.intake.received())
	})

	t.Run("returns 503 when the pipeline refuses", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.intake.err = errors.New("pipeline is shutting down")

		rec := ts.do(t, http.MethodPost, "/api/v1/signals", signalBody(t, "sig-http-2"))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("rejects an oversized payload", func(t *testing.T) {
		ts := setupTestServer(t)

		rec := ts.do(t, http.MethodPost, "/api/v1/signals", bytes.Repeat([]byte("a"), maxSignalBody+1))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestHandleGetEntity(t *testing.T) {
	ts := setupTestServer(t)
	seeded := seedEntity(t, ts, "Meridian Fabrication LLC", signal.EntityCompany, "Meridian Fab")

	t.Run("returns the entity", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/entities/"+seeded.ID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var got signal.Entity
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, seeded.ID, got.ID)
		assert.Equal(t, "Meridian Fabrication LLC", got.CanonicalName)
		assert.Contains(t, got.Aliases, "Meridian Fab")
		assert.True(t, got.Active)
	})

	t.Run("returns 404 for an unknown id", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/entities/no-such-entity", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleSearchEntities(t *testing.T) {
	ts := setupTestServer(t)
	seedEntity(t, ts, "Meridian Fabrication LLC", signal.EntityCompany, "MFC Industrial")
	seedEntity(t, ts, "Apex Holdings Inc", signal.EntityCompany)
	seedEntity(t, ts, "Dana Whitfield", signal.EntityPerson)

	list := func(t *testing.T, target string) EntityListResponse {
		t.Helper()
		rec := ts.do(t, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp EntityListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	t.Run("lists all entities without filters", func(t *testing.T) {
		resp := list(t, "/api/v1/entities")
		assert.Equal(t, 3, resp.Count)
	})

	t.Run("matches canonical names case-insensitively", func(t *testing.T) {
		resp := list(t, "/api/v1/entities?name=MERIDIAN")
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "Meridian Fabrication LLC", resp.Entities[0].CanonicalName)
	})

	t.Run("matches aliases", func(t *testing.T) {
		resp := list(t, "/api/v1/entities?name=mfc")
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "Meridian Fabrication LLC", resp.Entities[0].CanonicalName)
	})

	t.Run("filters by entity type", func(t *testing.T) {
		resp := list(t, "/api/v1/entities?type=person")
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "Dana Whitfield", resp.Entities[0].CanonicalName)
	})

	t.Run("returns empty for an unmatched name", func(t *testing.T) {
		resp := list(t, "/api/v1/entities?name=zenith")
		assert.Equal(t, 0, resp.Count)
	})
}

func TestHandleDeactivateEntity(t *testing.T) {
	ts := setupTestServer(t)
	seeded := seedEntity(t, ts, "Meridian Fabrication LLC", signal.EntityCompany)

	t.Run("retires the entity", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/entities/"+seeded.ID+"/deactivate", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp DeactivateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, seeded.ID, resp.EntityID)
		assert.False(t, resp.Active)

		got, err := ts.reg.Get(context.Background(), seeded.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
	})

	t.Run("returns 404 for an unknown id", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/entities/no-such-entity/deactivate", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleListDeadLetters(t *testing.T) {
	ts := setupTestServer(t)
	first := seedDeadLetter(t, ts, "sig-dl-1")
	seedDeadLetter(t, ts, "sig-dl-2")

	t.Run("lists pending dead letters", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/deadletters", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp DeadLetterListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("pending filter hides requeued records", func(t *testing.T) {
		require.NoError(t, ts.dlq.Requeue(context.Background(), first))

		rec := ts.do(t, http.MethodGet, "/api/v1/deadletters", nil)
		var resp DeadLetterListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)

		rec = ts.do(t, http.MethodGet, "/api/v1/deadletters?pending=false", nil)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
	})
}

func TestHandleRequeueDeadLetter(t *testing.T) {
	ts := setupTestServer(t)
	id := seedDeadLetter(t, ts, "sig-rq-1")

	t.Run("requeues and republishes the payload", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/deadletters/"+strconv.FormatInt(id, 10)+"/requeue", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp RequeueResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, id, resp.ID)
		assert.Equal(t, "requeued", resp.Status)
		assert.Equal(t, []string{"dealsignal.signals.inbound"}, ts.repub.published())
	})

	t.Run("second requeue conflicts", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/deadletters/"+strconv.FormatInt(id, 10)+"/requeue", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("returns 404 for an unknown id", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/deadletters/99999/requeue", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("returns 400 for a non-numeric id", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/deadletters/abc/requeue", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleOperatorQueue(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	first, err := ts.dlq.Escalate(ctx, store.OperatorKindAmbiguousIdentifier, "sig-op-1", "tax_id 12-3456789 bound to two entities")
	require.NoError(t, err)
	_, err = ts.dlq.Escalate(ctx, store.OperatorKindIdentifierConflict, "sig-op-2", "duns conflict")
	require.NoError(t, err)

	t.Run("lists open items", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/operator/queue", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp OperatorQueueResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("open filter hides resolved items", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/operator/queue/"+strconv.FormatInt(first, 10)+"/resolve", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = ts.do(t, http.MethodGet, "/api/v1/operator/queue", nil)
		var resp OperatorQueueResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)

		rec = ts.do(t, http.MethodGet, "/api/v1/operator/queue?open=false", nil)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("resolving twice returns 404", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/operator/queue/"+strconv.FormatInt(first, 10)+"/resolve", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleStats(t *testing.T) {
	ts := setupTestServer(t)
	seedEntity(t, ts, "Meridian Fabrication LLC", signal.EntityCompany)
	ts.intake.snap = pipeline.Snapshot{
		Workers:      4,
		InFlight:     1,
		Received:     9,
		Completed:    7,
		RecentScores: []float64{70.5, 82.1},
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Store.Entities)
	assert.Equal(t, 4, resp.Pipeline.Workers)
	assert.Equal(t, uint64(7), resp.Pipeline.Completed)
	assert.Equal(t, []float64{70.5, 82.1}, resp.Pipeline.RecentScores)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServerLifecycle(t *testing.T) {
	t.Run("starts and shuts down gracefully", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.srv.config.Port = 0 // random available port

		errChan := make(chan error, 1)
		go func() {
			errChan <- ts.srv.Start()
		}()

		// Give server time to start
		time.Sleep(100 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, ts.srv.Shutdown(ctx))

		select {
		case err := <-errChan:
			assert.True(t, err == nil || err == http.ErrServerClosed)
		case <-time.After(6 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		ts := setupTestServer(t)

		rec := ts.do(t, http.MethodGet, "/health", nil)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.srv.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/panic", nil)
		assert.NotPanics(t, func() {
			ts.srv.echo.ServeHTTP(rec, req)
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestFilterByName(t *testing.T) {
	entities := []*signal.Entity{
		{CanonicalName: "Meridian Fabrication LLC", Aliases: []string{"MFC Industrial"}},
		{CanonicalName: "Apex Holdings, Inc."},
	}

	tests := []struct {
		query string
		want  int
	}{
		{"meridian", 1},
		{"MERIDIAN FABRICATION", 1},
		{"mfc", 1},
		{"apex holdings", 1},
		{"zenith", 0},
		{"a", 2}, // substring match is deliberate for operator lookups
	}

	for _, tt := range tests {
		got := filterByName(entities, tt.query)
		assert.Len(t, got, tt.want, "query %q", tt.query)
	}
}
