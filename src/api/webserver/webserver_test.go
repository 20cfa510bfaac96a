package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/moltswarm/src/api/config"
	"github.com/stake-plus/moltswarm/src/events"
	"github.com/stake-plus/moltswarm/src/ledger"
	"github.com/stake-plus/moltswarm/src/molt"
	"github.com/stake-plus/moltswarm/src/moltbook"
	"github.com/stake-plus/moltswarm/src/swarm"
	"github.com/stake-plus/moltswarm/src/x402"
)

func init() { gin.SetMode(gin.TestMode) }

type stubRegistrar struct {
	reg moltbook.Registration
	err error
}

func (s stubRegistrar) Register(context.Context, string, string) (moltbook.Registration, error) {
	return s.reg, s.err
}

type harness struct {
	router   *gin.Engine
	ledger   *ledger.Ledger
	molt     *molt.Engine
	swarm    *swarm.Coordinator
	webhooks *events.Webhooks
	got      []events.Event
}

func newHarness(t *testing.T, cfg config.Config, reg Registrar) *harness {
	t.Helper()
	h := &harness{ledger: ledger.New(nil), swarm: swarm.NewCoordinator(), webhooks: events.NewWebhooks(nil)}
	h.molt = molt.NewEngine(molt.WithStatsSource(molt.LedgerSource{Ledger: h.ledger}))

	bus := events.NewBus(h.webhooks, events.SinkFunc(func(_ context.Context, ev events.Event) error {
		h.got = append(h.got, ev)
		return nil
	}))
	h.molt.OnEvent(bus.Handle())

	receipts := x402.NewReceiptIssuer([]byte("test-receipts"), time.Hour)
	gate, err := x402.NewGate(x402.GateConfig{
		Price:    "0.001",
		Address:  "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
		Resource: "/api/x402/premium-data",
		Replay:   x402.NewMemoryReplayGuard(),
		Receipts: receipts,
	})
	require.NoError(t, err)

	h.router = New(cfg, Deps{
		Ledger: h.ledger, Molt: h.molt, Swarm: h.swarm, Bus: bus, Webhooks: h.webhooks,
		Registrar: reg, Gate: gate, Receipts: receipts,
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHealthAndInfo(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)

	w, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ok"])

	_, body = h.do(t, http.MethodGet, "/api/x402/info", nil)
	assert.Equal(t, x402.Version, body["version"])

	w, body = h.do(t, http.MethodGet, "/api/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "EMPTY_TIDE_POOL", body["error"])
}

func TestPremiumDataFlow(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)

	w, body := h.do(t, http.MethodGet, "/api/x402/premium-data", nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "0.001", w.Header().Get(x402.HeaderPrice))
	assert.Equal(t, "PAYMENT_REQUIRED", body["error"])

	proof := x402.EncodeHeader(x402.Proof{
		Version:   x402.Version,
		Signature: "0xabc",
		Payload: x402.EncodePayload(x402.Payload{
			Resource:  "/api/x402/premium-data",
			Amount:    decimal.RequireFromString("0.002"),
			Timestamp: time.Now().UnixMilli(),
		}),
	})
	w, body = h.do(t, http.MethodGet, "/api/x402/premium-data", nil,
		x402.HeaderPayment, proof, x402.HeaderSwarmID, "buyer", x402.HeaderPaymentMethod, "base-mainnet")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Premium swarm data payload", body["data"])

	hist := h.ledger.PaymentHistory("buyer", 1)
	require.Len(t, hist, 1)
	assert.Equal(t, ledger.Outbound, hist[0].Direction)
	assert.Equal(t, "base-mainnet", hist[0].Network)
	assert.True(t, decimal.RequireFromString("-0.002").Equal(h.ledger.NetBalance("buyer")))

	receiptURL := w.Header().Get(x402.HeaderReceiptURL)
	w, body = h.do(t, http.MethodGet, receiptURL, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.002", body["amount"])

	w, _ = h.do(t, http.MethodGet, "/api/x402/premium-data", nil, x402.HeaderPayment, proof)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = h.do(t, http.MethodGet, "/api/x402/receipts/bogus", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "EMPTY_TIDE_POOL", body["error"])
}

func TestTaskClaimCompleteCreditsWallet(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	ctx := context.Background()
	task, err := h.swarm.CreateTask(ctx, swarm.ContentGeneration, decimal.RequireFromString("0.01"), "report", molt.Larva, time.Hour)
	require.NoError(t, err)
	gated, err := h.swarm.CreateTask(ctx, swarm.DataAnalysis, decimal.NewFromInt(1), "deep", molt.Juvenile, time.Hour)
	require.NoError(t, err)

	_, body := h.do(t, http.MethodGet, "/api/swarm/tasks?stage=0", nil)
	assert.Len(t, body["tasks"], 1)

	w, body := h.do(t, http.MethodPost, "/api/swarm/tasks/"+gated.ID+"/claim", gin.H{"agentId": "crab"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "requires Juvenile stage or higher", body["message"])

	w, body = h.do(t, http.MethodPost, "/api/swarm/tasks/"+task.ID+"/claim", gin.H{"agentId": "crab"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])

	w, _ = h.do(t, http.MethodPost, "/api/swarm/tasks/"+task.ID+"/claim", gin.H{"agentId": "other"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = h.do(t, http.MethodPost, "/api/swarm/tasks/"+task.ID+"/complete", gin.H{"result": gin.H{"words": 300}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "0.01", body["reward"])

	w, _ = h.do(t, http.MethodPost, "/api/swarm/tasks/"+task.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w, _ = h.do(t, http.MethodPost, "/api/swarm/tasks/missing/complete", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = h.do(t, http.MethodGet, "/api/agents/crab/wallet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.01", body["balance"])
	assert.EqualValues(t, 1, body["totalTransactions"])
	assert.Equal(t, "Larva", body["stageName"])
	assert.Equal(t, "Larva", w.Header().Get(x402.HeaderMoltStage))

	_, body = h.do(t, http.MethodGet, "/api/fleet/analytics", nil)
	fleet := body["fleet"].(map[string]any)
	assert.EqualValues(t, 2, fleet["totalAgents"])
	tasks := body["tasks"].(map[string]any)
	assert.EqualValues(t, 1, tasks["completed"])
	assert.Equal(t, "0.01", tasks["totalRewardsDistributed"])

	_, body = h.do(t, http.MethodGet, "/api/fleet/tasks", nil)
	assert.Len(t, body["tasks"], 1)
}

func TestMoltRoutes(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	ctx := context.Background()

	w, body := h.do(t, http.MethodPost, "/api/agents/pinchy/molt", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SHELL_CONFLICT", body["error"])
	assert.Contains(t, body["message"], "posts 0/100")

	w, _ = h.do(t, http.MethodPost, "/api/agents/pinchy/stats", gin.H{"posts": 150})
	require.Equal(t, http.StatusOK, w.Code)
	for i := 0; i < 10; i++ {
		_, err := h.ledger.RecordTransaction(ctx, "pinchy", decimal.RequireFromString("0.5"), ledger.Inbound, "task", "")
		require.NoError(t, err)
	}

	_, body = h.do(t, http.MethodGet, "/api/agents/pinchy/molt-status", nil)
	assert.Equal(t, true, body["eligible"])
	assert.Equal(t, "healthy", body["decayStatus"])

	w, body = h.do(t, http.MethodPost, "/api/agents/pinchy/molt", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, body["newStage"])
	assert.Equal(t, "Molt complete, welcome to Juvenile stage", body["message"])

	_, body = h.do(t, http.MethodGet, "/api/agents/pinchy/molt-status", nil)
	assert.Equal(t, false, body["eligible"])
	assert.InDelta(t, float64((24 * time.Hour).Milliseconds()), body["cooldownMs"], 5000)

	var types []events.Type
	for _, ev := range h.got {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []events.Type{events.AgentPosted, events.MoltStarted, events.MoltCompleted}, types)

	w, _ = h.do(t, http.MethodPost, "/api/agents/pinchy/stats", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterAgent(t *testing.T) {
	h := newHarness(t, config.Config{}, stubRegistrar{reg: moltbook.Registration{
		ExternalID: "ag_9", APIKey: "mb_key", ClaimURL: "https://claim", VerificationCode: "reef-1",
	}})

	w, body := h.do(t, http.MethodPost, "/api/agents/register", gin.H{"name": "Shelly", "description": "crab"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "ag_9", body["externalId"])
	assert.Equal(t, "mb_key", body["apiKey"])
	assert.Equal(t, "Larva", body["stageName"])
	assert.Contains(t, h.molt.Agents(), "ag_9")

	failing := newHarness(t, config.Config{}, stubRegistrar{err: errors.New("directory down")})
	w, body = failing.do(t, http.MethodPost, "/api/agents/register", gin.H{"name": "Shelly"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "MOLTING_IN_PROGRESS", body["error"])

	w, _ = failing.do(t, http.MethodPost, "/api/agents/register", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	secret := "admin-secret"
	h := newHarness(t, config.Config{AdminSecret: secret}, nil)
	create := gin.H{"type": "swarm_vote", "reward": "0.5", "description": "<i>vote</i>", "requiredStage": 1}

	w, body := h.do(t, http.MethodPost, "/api/swarm/tasks", create)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "NO_EXOSKELETON", body["error"])

	tok, err := IssueAdminToken([]byte(secret), "ops", time.Hour)
	require.NoError(t, err)
	auth := []string{"Authorization", "Bearer " + tok}

	w, body = h.do(t, http.MethodPost, "/api/swarm/tasks", create, auth...)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	task := body["task"].(map[string]any)
	assert.Equal(t, "vote", task["description"])
	assert.EqualValues(t, 1, task["requiredStage"])

	w, _ = h.do(t, http.MethodPost, "/api/webhooks", gin.H{"url": "https://hooks.test/x", "events": []string{"agent.molt.completed"}}, auth...)
	require.Equal(t, http.StatusCreated, w.Code)
	_, body = h.do(t, http.MethodGet, "/api/webhooks", nil, auth...)
	assert.Len(t, body["webhooks"], 1)

	w, _ = h.do(t, http.MethodDelete, "/api/webhooks?url=https://hooks.test/x", nil, auth...)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = h.do(t, http.MethodDelete, "/api/webhooks", gin.H{"url": "https://hooks.test/x"}, auth...)
	assert.Equal(t, http.StatusNotFound, w.Code)

	other, err := IssueAdminToken([]byte("wrong"), "ops", time.Hour)
	require.NoError(t, err)
	w, _ = h.do(t, http.MethodGet, "/api/webhooks", nil, "Authorization", "Bearer "+other)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	viewer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "viewer", "role": "viewer", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	w, body = h.do(t, http.MethodGet, "/api/webhooks", nil, "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "SHELL_REJECTED", body["error"])
}

func TestRateLimitByStage(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(func(string) int { return 3 })
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("a")
		assert.True(t, ok)
	}
	ok, rate := rl.Allow("a")
	assert.False(t, ok)
	assert.Equal(t, 3, rate)
	ok, _ = rl.Allow("b")
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, _ = rl.Allow("a")
	assert.True(t, ok)
}

func TestRateLimitMiddlewareRejects(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	limit := molt.RateLimitFor(molt.Larva).BurstPerSec

	var last int
	var body map[string]any
	for i := 0; i <= limit; i++ {
		var w *httptest.ResponseRecorder
		w, body = h.do(t, http.MethodGet, "/api/agents/spammy/wallet", nil)
		last = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
	assert.Equal(t, "CLAW_CRAMP", body["error"])
}
