package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-ops/mu/pkg/adapter"
	"github.com/mu-ops/mu/pkg/config"
	"github.com/mu-ops/mu/pkg/idempotency"
	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/journal"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/outbox"
	"github.com/mu-ops/mu/pkg/pipeline"
	"github.com/mu-ops/mu/pkg/policy"
	"github.com/mu-ops/mu/pkg/programs"
	"github.com/mu-ops/mu/pkg/reload"
	"github.com/mu-ops/mu/pkg/run"
	"github.com/mu-ops/mu/pkg/serial"
	"github.com/mu-ops/mu/pkg/telemetry"
)

const apiNowMs = int64(1700000000000)

type noopDispatcher struct{}

func (noopDispatcher) DispatchWake(ctx context.Context, wake programs.Wake) programs.WakeResult {
	return programs.WakeResult{Status: programs.WakeOK}
}

type apiHarness struct {
	server *Server
	router *gin.Engine
	ids    *identity.Store
}

func newTestServer(t *testing.T) *gin.Engine {
	return newAPIHarness(t).router
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	dir := t.TempDir()
	nowMs := func() int64 { return apiNowMs }

	jnl, err := journal.Open(dir, nowMs)
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	ledger, err := idempotency.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	ids, err := identity.Open(dir)
	require.NoError(t, err)
	ids.Apply(identity.Binding{
		BindingID:     "bind-u1",
		Channel:       models.ChannelSlack,
		ChannelTenant: "T1",
		ActorID:       "U1",
		Scopes:        []string{"ops:read"},
		AssuranceTier: models.TierA,
	})

	ob, err := outbox.Open(dir, nowMs)
	require.NoError(t, err)
	t.Cleanup(func() { ob.Close() })

	engine := policy.NewEngine(&policy.Policy{
		Rules: map[string]policy.Rule{
			"status": {Scopes: []string{"ops:read"}},
		},
	})

	registry := pipeline.NewRegistry()
	registry.Register("status", func(ctx context.Context, record *models.CommandRecord) pipeline.Outcome {
		return pipeline.Completed(map[string]any{"ok": true})
	})

	counters := telemetry.NewCounters()
	pipe := pipeline.New(jnl, ledger, ids, engine, serial.NewExecutor(), ob, registry, counters, nowMs)

	slackAdapter, err := adapter.New(adapter.Config{
		Channel:  models.ChannelSlack,
		Secrets:  adapter.Secrets{SigningSecret: "s3cret"},
		RepoRoot: "/repo",
		NowMs:    nowMs,
	}, ids)
	require.NoError(t, err)

	reloader := reload.NewSupervisor(reload.Hooks{
		Warmup:  func(ctx context.Context) (any, error) { return nil, nil },
		Cutover: func(ctx context.Context, warmed any) error { return nil },
	}, reload.Config{DrainTimeout: time.Second}, counters, nowMs)

	runs := run.NewSupervisor(run.Config{Binary: "mu"}, nil, counters, nowMs)
	progs := programs.NewRegistry(noopDispatcher{}, nowMs, time.Second)

	cfg := &config.MuConfig{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 0},
		RepoRoot: "/repo",
	}

	server := NewServer(cfg, pipe, map[models.Channel]*adapter.Adapter{models.ChannelSlack: slackAdapter},
		progs, reloader, runs, ob, counters)
	return &apiHarness{server: server, router: server.Router(), ids: ids}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func slackWebhookRequest(text string) *http.Request {
	return slackWebhookRequestSigned(text, "s3cret")
}

func slackWebhookRequestSigned(text, secret string) *http.Request {
	form := url.Values{}
	form.Set("command", "/mu")
	form.Set("text", text)
	form.Set("trigger_id", "trig-"+text)
	form.Set("team_id", "T1")
	form.Set("channel_id", "C1")
	form.Set("user_id", "U1")
	body := form.Encode()

	ts := strconv.FormatInt(apiNowMs/1000, 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", adapter.Sign(secret, ts, []byte(body)))
	return req
}

func TestHealthz(t *testing.T) {
	router := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestWebhookAcceptsSignedCommand(t *testing.T) {
	router := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, slackWebhookRequest("status"))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "STATUS · COMPLETED", body["ack"])
	assert.Equal(t, "completed", body["state"])
	assert.NotEmpty(t, body["command_id"])
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	router := newTestServer(t)

	req := slackWebhookRequest("status")
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ReasonSignatureInvalid, decodeBody(t, w)["error"])
}

func TestWebhookRejectsOversizeBody(t *testing.T) {
	router := newTestServer(t)

	big := strings.Repeat("a", maxWebhookBody+1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", strings.NewReader(big))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestWebhookUnknownChannelIs404(t *testing.T) {
	router := newTestServer(t)
	w := doJSON(t, router, http.MethodPost, "/webhooks/telegram", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetAdaptersSwapsInboundVerification(t *testing.T) {
	h := newAPIHarness(t)

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, slackWebhookRequest("status"))
	require.Equal(t, http.StatusOK, w.Code)

	// A generation cutover rebuilds the channel stack with rotated secrets.
	rotated, err := adapter.New(adapter.Config{
		Channel:  models.ChannelSlack,
		Secrets:  adapter.Secrets{SigningSecret: "r0tated"},
		RepoRoot: "/repo",
		NowMs:    func() int64 { return apiNowMs },
	}, h.ids)
	require.NoError(t, err)
	h.server.SetAdapters(map[models.Channel]*adapter.Adapter{models.ChannelSlack: rotated})

	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, slackWebhookRequestSigned("status now", "s3cret"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, slackWebhookRequestSigned("status later", "r0tated"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	router := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/api/control-plane/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "/repo", body["repo_root"])
	assert.Equal(t, true, body["active"])

	generation, ok := body["generation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), generation["generation_seq"])

	routes, ok := body["routes"].([]any)
	require.True(t, ok)
	assert.Contains(t, routes, "/webhooks/slack")
}

func TestReloadEndpointAdvancesGeneration(t *testing.T) {
	router := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/control-plane/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, string(reload.PhaseCompleted), body["phase"])
	assert.Equal(t, float64(2), body["to_seq"])

	w = doJSON(t, router, http.MethodGet, "/api/control-plane/status", nil)
	generation := decodeBody(t, w)["generation"].(map[string]any)
	assert.Equal(t, float64(2), generation["generation_seq"])
}

func TestRollbackWithoutHookIsUnprocessable(t *testing.T) {
	router := newTestServer(t)
	w := doJSON(t, router, http.MethodPost, "/api/control-plane/rollback", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHeartbeatProgramCRUD(t *testing.T) {
	router := newTestServer(t)

	w := doJSON(t, router, http.MethodPut, "/api/heartbeats/hb-1", map[string]any{
		"every_ms": 60000, "prompt": "mu status", "enabled": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hb-1", decodeBody(t, w)["id"])

	w = doJSON(t, router, http.MethodGet, "/api/heartbeats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listing := decodeBody(t, w)["heartbeats"].([]any)
	require.Len(t, listing, 1)

	w = doJSON(t, router, http.MethodPost, "/api/heartbeats/hb-1/disable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["enabled"])

	w = doJSON(t, router, http.MethodDelete, "/api/heartbeats/hb-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/heartbeats/hb-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHeartbeatUpsertRejectsInvalid(t *testing.T) {
	router := newTestServer(t)

	w := doJSON(t, router, http.MethodPut, "/api/heartbeats/hb-1", map[string]any{
		"every_ms": 0, "prompt": "mu status",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCronProgramValidation(t *testing.T) {
	router := newTestServer(t)

	w := doJSON(t, router, http.MethodPut, "/api/cron/nightly", map[string]any{
		"schedule": map[string]any{"type": "cron", "expr": "0 3 * * *"},
		"target":   "mu run start nightly sweep",
		"enabled":  true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPut, "/api/cron/broken", map[string]any{
		"schedule": map[string]any{"type": "cron", "expr": "not a cron"},
		"target":   "mu status",
		"enabled":  true,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/cron", nil)
	crons := decodeBody(t, w)["crons"].([]any)
	require.Len(t, crons, 1)
}

func TestRunEndpointsUnknownJob(t *testing.T) {
	router := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/api/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/runs/nope/output", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/runs/nope/interrupt", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody(t, w)["runs"])
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mu_commands_accepted_total")
}
