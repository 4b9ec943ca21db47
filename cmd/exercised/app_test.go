package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superpaes/exercise-gateway/internal/config"
	"github.com/superpaes/exercise-gateway/internal/generator"
	"github.com/superpaes/exercise-gateway/internal/ledger"
	"github.com/superpaes/exercise-gateway/internal/testutil"
	"github.com/superpaes/exercise-gateway/internal/upstream"
)

// fakeProvider answers the RPC contract: health probes succeed and every
// generation returns the same well-formed exercise.
func fakeProvider(t *testing.T, generations *atomic.Int64) *testutil.IPv4Server {
	t.Helper()
	return testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req upstream.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write(upstream.ErrorBody(err.Error()))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch req.Action {
		case upstream.ActionHealthCheck:
			_, _ = w.Write(upstream.ResultBody(map[string]any{"status": "ok"}))
		case upstream.ActionGenerateExercise:
			generations.Add(1)
			_, _ = w.Write(upstream.ResultBody(map[string]any{
				"question":      "Al resolver la ecuación 3x + 5 = 20, ¿cuál es el valor de x que satisface la igualdad?",
				"options":       []string{"A) x = 3", "B) x = 5", "C) x = 7", "D) x = 15"},
				"correctAnswer": "B",
				"explanation":   "Restando 5 a ambos lados se obtiene 3x = 15, luego x = 5.",
			}))
		default:
			_, _ = w.Write(upstream.ResultBody("OK"))
		}
	}))
}

func testConfig(t *testing.T, providerURL string) config.Config {
	t.Helper()
	dir := t.TempDir()
	limits := filepath.Join(dir, "limits.yaml")
	require.NoError(t, os.WriteFile(limits, []byte("limits:\n  - user_id: student-1\n    daily: 2.5\n"), 0o644))
	return config.Config{
		Environment:         "test",
		UpstreamMode:        config.UpstreamRPC,
		UpstreamURL:         providerURL,
		Model:               "anthropic/claude-3.5-sonnet",
		Temperature:         0.7,
		MaxTokens:           1500,
		CacheTTL:            time.Minute,
		CacheCapacity:       10,
		HealthInterval:      time.Minute,
		GenerationTimeout:   5 * time.Second,
		GenerationDeadline:  20 * time.Second,
		HealthTimeout:       time.Second,
		LedgerBackend:       config.LedgerSQLite,
		LedgerPath:          filepath.Join(dir, "ledger.db"),
		LedgerAsync:         true,
		LedgerBatchSize:     10,
		LedgerFlushInterval: 10 * time.Millisecond,
		LedgerWorkers:       1,
		LimitsFile:          limits,
		QualityThreshold:    0.7,
		MaxAttempts:         2,
		RateLimitEnabled:    true,
		RateLimitRPS:        1,
		RateLimitBurst:      5,
		TracingExporter:     config.TracingStdout,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "student-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAppEndToEnd(t *testing.T) {
	var generations atomic.Int64
	cfg := testConfig(t, fakeProvider(t, &generations).URL)
	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	closed := false
	t.Cleanup(func() {
		if !closed {
			a.Close()
		}
	})

	rec := serve(t, a.handler, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = serve(t, a.handler, http.MethodGet, "/api/v1/limits/student-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var limit ledger.CostLimit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limit))
	assert.Equal(t, 2.5, limit.DailyLimit)

	body := `{"subject":"MATEMATICA_1","skill":"SOLVE_PROBLEMS","difficulty":"INTERMEDIATE","moduleSource":"matematica"}`
	rec = serve(t, a.handler, http.MethodPost, "/api/v1/exercises", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp generator.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Metadata.Validated)
	assert.Equal(t, 1, resp.Metadata.Attempts)
	assert.Equal(t, "B) x = 5", resp.Exercise.CorrectAnswer)
	assert.Equal(t, int64(1), generations.Load())

	rec = serve(t, a.handler, http.MethodGet, "/api/v1/gateway/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entries":1`)

	// Closing drains the async ledger into SQLite.
	a.Close()
	closed = true

	reopened, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer reopened.Close()
	m, err := reopened.ledger.Metrics(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), "matematica")
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalRequests, "generation and validation records")
}

func TestNewAppRejectsBadLimitsFile(t *testing.T) {
	var generations atomic.Int64
	cfg := testConfig(t, fakeProvider(t, &generations).URL)
	cfg.LedgerBackend = config.LedgerMemory
	cfg.LimitsFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := newApp(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestNewAppOpenRouterRequiresKey(t *testing.T) {
	var generations atomic.Int64
	cfg := testConfig(t, fakeProvider(t, &generations).URL)
	cfg.LedgerBackend = config.LedgerMemory
	cfg.UpstreamMode = config.UpstreamOpenRouter
	_, err := newApp(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestWriteTimeoutOutlastsGenerationDeadline(t *testing.T) {
	cfg := config.Config{GenerationDeadline: 100 * time.Second}
	assert.Greater(t, writeTimeout(cfg), cfg.GenerationDeadline)
}

func TestCloseReleasesInReverseOrder(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	var order []string
	closer := func(name string, err error) func() error {
		return func() error {
			order = append(order, name)
			return err
		}
	}
	a := &app{
		logger: logrus.NewEntry(logger),
		closers: []func() error{
			closer("tracing", nil),
			closer("store", nil),
			closer("ledger.async", errors.New("queue stuck")),
			closer("redis", nil),
		},
	}

	a.Close()
	a.Close()

	assert.Equal(t, []string{"redis", "ledger.async", "store", "tracing"}, order)
}
