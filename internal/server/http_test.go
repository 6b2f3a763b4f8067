// ============================================================================
// HTTP API Tests
// ============================================================================

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novalto/dpo-orchestrator/internal/auth"
	"github.com/novalto/dpo-orchestrator/internal/config"
	"github.com/novalto/dpo-orchestrator/internal/idempotency"
	"github.com/novalto/dpo-orchestrator/internal/metrics"
	"github.com/novalto/dpo-orchestrator/internal/orchestrator"
	"github.com/novalto/dpo-orchestrator/internal/ratelimit"
	"github.com/novalto/dpo-orchestrator/internal/runstore"
	"github.com/novalto/dpo-orchestrator/internal/worker"
	"github.com/novalto/dpo-orchestrator/pkg/types"
)

const testSecret = "test-shared-secret"

type testEnv struct {
	server   *Server
	verifier *auth.Verifier
	trainer  *holdTrainer
	store    *runstore.Store
}

// holdTrainer blocks executions until released.
type holdTrainer struct {
	started chan types.RunID
	release chan struct{}
}

func (h *holdTrainer) Train(ctx context.Context, spec types.JobSpec, report worker.ProgressFunc) (worker.TrainResult, error) {
	h.started <- spec.RunID
	select {
	case <-ctx.Done():
		return worker.TrainResult{}, ctx.Err()
	case <-h.release:
		return worker.TrainResult{
			Metrics:   map[string]float64{"loss": 0.1},
			Artifacts: types.Artifacts{CheckpointURL: "file:///ckpt", LogsURL: "file:///log"},
		}, nil
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.GatewaySharedSecret = testSecret
	cfg.Limits.RatePerMinute = 100
	cfg.Limits.MaxConcurrentJobs = 2
	cfg.Server.AllowDebug = true

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := runstore.NewStore()
	trainer := &holdTrainer{started: make(chan types.RunID, 16), release: make(chan struct{})}
	collector := metrics.NewNopCollector()
	pool := worker.New(store, trainer, collector, log, cfg.Limits.MaxConcurrentJobs, 16, time.Minute)

	orch := orchestrator.New(cfg, store, pool,
		ratelimit.NewLimiter(cfg.Limits.RatePerMinute, time.Minute),
		idempotency.NewCache(cfg.Idempotency.TTL),
		collector, log)
	orch.Start()
	t.Cleanup(orch.Stop)

	verifier := auth.NewVerifier(testSecret)
	return &testEnv{
		server:   New(cfg, orch, verifier, collector, log),
		verifier: verifier,
		trainer:  trainer,
		store:    store,
	}
}

func (e *testEnv) signedRequest(t *testing.T, method, path string, body []byte, claims types.Claims) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	claimsHeader := auth.EncodeClaims(claims)
	req.Header.Set(auth.ClaimsHeader, claimsHeader)
	req.Header.Set(auth.SignatureHeader, e.verifier.Sign(method, path, body, claimsHeader))

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func admin() types.Claims {
	return types.Claims{UID: "admin-1", Email: "admin@novalto.io", Admin: true}
}

func triggerBody(t *testing.T, tenant string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"kb_id":    tenant,
		"exp_name": "exp-1",
		"train_dataset": []map[string]any{{
			"prompt":     "Summarize the report",
			"responses":  []string{"Good summary.", "Bad summary."},
			"pairs":      [][]int{{0, 1}},
			"sft_target": "Good summary.",
		}},
	})
	require.NoError(t, err)
	return body
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestTriggerFinetuneHappyPath(t *testing.T) {
	env := newTestEnv(t)

	rec := env.signedRequest(t, http.MethodPost, "/trigger-finetune", triggerBody(t, "kb-1"), admin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeJSON(t, rec)
	assert.Equal(t, "queued", resp["status"])
	assert.NotEmpty(t, resp["run_id"])
}

func TestTriggerFinetuneRejectsUnsigned(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/trigger-finetune", bytes.NewReader(triggerBody(t, "kb-1")))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTriggerFinetuneRejectsTamperedBody(t *testing.T) {
	env := newTestEnv(t)

	body := triggerBody(t, "kb-1")
	path := "/trigger-finetune"
	claimsHeader := auth.EncodeClaims(admin())

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(append(body, ' ')))
	req.Header.Set(auth.ClaimsHeader, claimsHeader)
	req.Header.Set(auth.SignatureHeader, env.verifier.Sign(http.MethodPost, path, body, claimsHeader))

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTriggerFinetuneRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.signedRequest(t, http.MethodPost, "/trigger-finetune", triggerBody(t, "kb-1"),
		types.Claims{UID: "user-1", Email: "user@novalto.io"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTriggerFinetuneValidation(t *testing.T) {
	env := newTestEnv(t)

	// Missing kb_id.
	body, _ := json.Marshal(map[string]any{"exp_name": "exp-1"})
	rec := env.signedRequest(t, http.MethodPost, "/trigger-finetune", body, admin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Dataset record with a single response cannot form a pair.
	body, _ = json.Marshal(map[string]any{
		"kb_id": "kb-1",
		"train_dataset": []map[string]any{{
			"prompt":     "p",
			"responses":  []string{"only one"},
			"pairs":      [][]int{{0, 1}},
			"sft_target": "only one",
		}},
	})
	rec = env.signedRequest(t, http.MethodPost, "/trigger-finetune", body, admin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerFinetuneConcurrencyConflict(t *testing.T) {
	env := newTestEnv(t)

	rec := env.signedRequest(t, http.MethodPost, "/trigger-finetune", triggerBody(t, "kb-1"), admin())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.signedRequest(t, http.MethodPost, "/trigger-finetune", triggerBody(t, "kb-1"), admin())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.signedRequest(t, http.MethodPost, "/trigger-finetune", triggerBody(t, "kb-1"), admin())
	require.Equal(t, http.StatusOK, rec.Code)
	runID := decodeJSON(t, rec)["run_id"].(string)

	<-env.trainer.started

	rec = env.signedRequest(t, http.MethodGet, "/runs/"+runID, nil, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decodeJSON(t, rec)["status"])

	close(env.trainer.release)
	require.Eventually(t, func() bool {
		run, err := env.store.Get(types.RunID(runID))
		return err == nil && run.Status == types.StatusCompleted
	}, 3*time.Second, 5*time.Millisecond)

	rec = env.signedRequest(t, http.MethodGet, "/runs/"+runID+"/artifacts", nil, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON(t, rec)
	assert.Equal(t, "completed", resp["status"])
	artifacts := resp["artifacts"].(map[string]any)
	assert.Equal(t, "file:///ckpt", artifacts["checkpoint_url"])
}

func TestCancelRunOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.signedRequest(t, http.MethodPost, "/trigger-finetune", triggerBody(t, "kb-1"), admin())
	require.Equal(t, http.StatusOK, rec.Code)
	runID := decodeJSON(t, rec)["run_id"].(string)
	<-env.trainer.started

	rec = env.signedRequest(t, http.MethodDelete, "/runs/"+runID, nil, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeJSON(t, rec)["status"])

	// Repeat delete stays 200 with the same terminal state.
	rec = env.signedRequest(t, http.MethodDelete, "/runs/"+runID, nil, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeJSON(t, rec)["status"])
}

func (e *testEnv) signedRequestWithHeaders(t *testing.T, method, path string, body []byte, claims types.Claims, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	claimsHeader := auth.EncodeClaims(claims)
	req.Header.Set(auth.ClaimsHeader, claimsHeader)
	req.Header.Set(auth.SignatureHeader, e.verifier.Sign(method, path, body, claimsHeader))

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestIdempotencyKeyHeaderDeduplicatesRedelivery(t *testing.T) {
	env := newTestEnv(t)
	body := triggerBody(t, "kb-1")
	headers := map[string]string{IdempotencyKeyHeader: "delivery-42"}

	rec := env.signedRequestWithHeaders(t, http.MethodPost, "/trigger-finetune", body, admin(), headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeJSON(t, rec)["run_id"].(string)

	// Redelivery while the original run is still active replays the
	// same run instead of tripping the concurrency rule.
	rec = env.signedRequestWithHeaders(t, http.MethodPost, "/trigger-finetune", body, admin(), headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, first, decodeJSON(t, rec)["run_id"])

	// Redelivery after completion still replays within the key TTL.
	<-env.trainer.started
	close(env.trainer.release)
	require.Eventually(t, func() bool {
		run, err := env.store.Get(types.RunID(first))
		return err == nil && run.Status == types.StatusCompleted
	}, 3*time.Second, 5*time.Millisecond)

	rec = env.signedRequestWithHeaders(t, http.MethodPost, "/trigger-finetune", body, admin(), headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, first, decodeJSON(t, rec)["run_id"])
}

func TestGetRunNotFoundAndForbidden(t *testing.T) {
	env := newTestEnv(t)

	rec := env.signedRequest(t, http.MethodGet, "/runs/nope", nil, admin())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	created := env.signedRequest(t, http.MethodPost, "/trigger-finetune", triggerBody(t, "kb-1"), admin())
	require.Equal(t, http.StatusOK, created.Code)
	runID := decodeJSON(t, created)["run_id"].(string)

	rec = env.signedRequest(t, http.MethodGet, "/runs/"+runID, nil,
		types.Claims{UID: "stranger", Email: "s@novalto.io"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthEndpointsAreOpen(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/api/dpo/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decodeJSON(t, rec)["status"])
	}
}

func TestPayloadTooLarge(t *testing.T) {
	env := newTestEnv(t)

	// Default cap is 5 MB; send just past it.
	big := bytes.Repeat([]byte("x"), (5<<20)+1)
	rec := env.signedRequest(t, http.MethodPost, "/trigger-finetune", big, admin())
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDebugRunsGatedToAdmins(t *testing.T) {
	env := newTestEnv(t)

	created := env.signedRequest(t, http.MethodPost, "/trigger-finetune", triggerBody(t, "kb-1"), admin())
	require.Equal(t, http.StatusOK, created.Code)

	rec := env.signedRequest(t, http.MethodGet, "/debug/runs", nil, admin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeJSON(t, rec)["count"])

	rec = env.signedRequest(t, http.MethodGet, "/debug/runs", nil,
		types.Claims{UID: "user-1", Email: "user@novalto.io"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
