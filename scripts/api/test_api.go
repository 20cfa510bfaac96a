// Minimal end-to-end walk through the payment, task and molt routes.
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stake-plus/moltswarm/src/events"
	"github.com/stake-plus/moltswarm/src/x402"
)

var (
	baseURL    = getenv("API_URL", "http://localhost:8080/api")
	redisURL   = getenv("REDIS_URL", "")
	adminToken = getenv("ADMIN_TOKEN", "")
	// hex mini secret behind the server's PAYTO_ADDRESS; empty sends unsigned proofs
	paySecret = getenv("PAY_SECRET", "")
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	agent := "smoke-" + uuid.NewString()[:8]

	buyPremium(agent)
	taskID := createTask()
	claimTask(taskID, agent)
	completeTask(taskID)
	checkWallet(agent)
	checkMoltStatus(agent)

	if redisURL != "" {
		checkStream(context.Background(), agent)
	}
	fmt.Println("✓ all endpoints passed")
}

// ----------------------------- payments

func buyPremium(agent string) {
	var challenge struct {
		Price   string
		Address string
	}
	doReq("GET", "/x402/premium-data", nil, nil, &challenge, http.StatusPaymentRequired)
	if challenge.Price == "" {
		log.Fatal("premium-data: challenge without price")
	}

	payload := x402.EncodePayload(x402.Payload{
		Resource:  "/api/x402/premium-data",
		Amount:    decimal.RequireFromString(challenge.Price),
		Timestamp: time.Now().UnixMilli(),
		Payer:     agent,
	})
	proof := x402.EncodeHeader(x402.Proof{Version: x402.Version, Signature: sign(payload), Payload: payload})

	var resp struct{ ReceiptID string }
	doReq("GET", "/x402/premium-data", map[string]string{
		x402.HeaderPayment: proof,
		x402.HeaderSwarmID: agent,
	}, nil, &resp, http.StatusOK)
	if resp.ReceiptID == "" {
		log.Fatal("premium-data: empty receipt id")
	}
}

func sign(payload string) string {
	if paySecret == "" {
		return "0x00"
	}
	raw, err := hex.DecodeString(paySecret)
	if err != nil || len(raw) != 32 {
		log.Fatalf("PAY_SECRET must be 32 hex bytes")
	}
	var seed [32]byte
	copy(seed[:], raw)
	mini, err := schnorrkel.NewMiniSecretKeyFromRaw(seed)
	if err != nil {
		log.Fatalf("mini secret: %v", err)
	}
	sig, err := mini.ExpandEd25519().Sign(schnorrkel.NewSigningContext([]byte(x402.SigningContext), []byte(payload)))
	if err != nil {
		log.Fatalf("sign: %v", err)
	}
	enc := sig.Encode()
	return "0x" + hex.EncodeToString(enc[:])
}

// ----------------------------- tasks

func createTask() string {
	var resp struct {
		Task struct{ ID string }
	}
	doReq("POST", "/swarm/tasks", auth(), map[string]any{
		"type":        "content_generation",
		"reward":      "0.01",
		"description": "smoke test " + uuid.NewString(),
	}, &resp, http.StatusCreated)
	if resp.Task.ID == "" {
		log.Fatal("create task: empty id")
	}
	return resp.Task.ID
}

func claimTask(id, agent string) {
	doReq("POST", "/swarm/tasks/"+id+"/claim", nil, map[string]any{"agentId": agent}, nil, http.StatusOK)
}

func completeTask(id string) {
	doReq("POST", "/swarm/tasks/"+id+"/complete", nil, map[string]any{
		"result": map[string]any{"ok": true},
	}, nil, http.StatusOK)
}

// ----------------------------- agents

func checkWallet(agent string) {
	var resp struct{ TotalTransactions int }
	doReq("GET", "/agents/"+agent+"/wallet", nil, nil, &resp, http.StatusOK)
	if resp.TotalTransactions != 2 {
		log.Fatalf("wallet: want 2 transactions got %d", resp.TotalTransactions)
	}
}

func checkMoltStatus(agent string) {
	var resp struct{ StageName string }
	doReq("GET", "/agents/"+agent+"/molt-status", nil, nil, &resp, http.StatusOK)
	if resp.StageName != "Larva" {
		log.Fatalf("molt-status: unexpected stage %q", resp.StageName)
	}
	doReq("POST", "/agents/"+agent+"/molt", nil, nil, nil, http.StatusConflict)
}

// ----------------------------- events

func checkStream(ctx context.Context, agent string) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	msgs, err := rdb.XRevRangeN(ctx, events.DefaultStream, "+", "-", 100).Result()
	if err != nil {
		log.Fatalf("redis xrevrange: %v", err)
	}
	for _, m := range msgs {
		if m.Values["agentId"] == agent {
			return
		}
	}
	log.Printf("events: nothing published for %s yet", agent)
}

// ----------------------------- helpers

func auth() map[string]string {
	if adminToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + adminToken}
}

func doReq(method, path string, headers map[string]string, body, out any, want int) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("%s %s encode: %v", method, path, err)
		}
	}
	req, _ := http.NewRequest(method, baseURL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != want {
		log.Fatalf("%s %s: want %d got %d", method, path, want, res.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			log.Fatalf("%s %s decode: %v", method, path, err)
		}
	}
}
