package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	artifactmem "github.com/pixelproof/adcapture/internal/artifact/memory"
	"github.com/pixelproof/adcapture/internal/browser"
	"github.com/pixelproof/adcapture/internal/clock/system"
	"github.com/pixelproof/adcapture/internal/config"
	"github.com/pixelproof/adcapture/internal/id/uuid"
	"github.com/pixelproof/adcapture/internal/pipeline"
	"github.com/pixelproof/adcapture/internal/queue"
	storemem "github.com/pixelproof/adcapture/internal/store/memory"
)

func newTestServer(t *testing.T, mutateCfg func(*config.Config)) *Server {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	if mutateCfg != nil {
		mutateCfg(&cfg)
	}

	clk := system.New()
	ids := uuid.New()
	fake := browser.NewFake(clk, ids)

	qcfg := queue.DefaultManagerConfig()
	qcfg.BatchStagger = time.Millisecond
	queues := queue.NewManager(qcfg, clk)

	p, err := pipeline.New(pipeline.Config{
		PreCaptureDelay:    time.Millisecond,
		RenderPollInterval: time.Millisecond,
		RenderPollTimeout:  5 * time.Millisecond,
	}, pipeline.Deps{
		Queues:    queues,
		Sessions:  fake,
		Driver:    fake,
		Artifacts: artifactmem.New(),
		Results:   storemem.New(),
		Clock:     clk,
		IDs:       ids,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = p.Shutdown(sctx)
		cancel()
	})

	return NewServer(p, fake, nil, cfg, zap.NewNop())
}

const validBatch = `{
	"priority": "high",
	"records": [{
		"website_url": "https://publisher.example/a",
		"pid": "pub-1",
		"uid": "unit-1",
		"ad_type": "banner",
		"selector": ".ad",
		"device_ui": "desktop"
	}]
}`

func TestSubmitBatchAccepted(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(validBatch))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["batch_id"])

	// The batch becomes queryable immediately.
	req = httptest.NewRequest(http.MethodGet, "/v1/batches/"+body["batch_id"], nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitBatchValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"records": [`},
		{"no records", `{"records": []}`},
		{"missing fields", `{"records": [{"website_url": "https://x.example"}]}`},
		{"bad priority", `{"priority": "urgent", "records": [{"website_url": "https://x.example", "pid": "p", "uid": "u"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetBatchNotFound(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/batches/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStatsAndControl(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Contains(t, stats, "capture")

	req = httptest.NewRequest(http.MethodPost, "/v1/queues/pause", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/queues/resume", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "secret"
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeaderSet(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
