package webserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/moltswarm/src/events"
	"github.com/stake-plus/moltswarm/src/ledger"
	"github.com/stake-plus/moltswarm/src/molt"
	"github.com/stake-plus/moltswarm/src/x402"
)

const walletHistory = 20

type Agents struct {
	ledger    *ledger.Ledger
	molt      *molt.Engine
	bus       *events.Bus
	registrar Registrar
}

func NewAgents(l *ledger.Ledger, m *molt.Engine, bus *events.Bus, r Registrar) Agents {
	return Agents{ledger: l, molt: m, bus: bus, registrar: r}
}

func (a Agents) Wallet(c *gin.Context) {
	id := c.Param("agentId")
	progress := a.molt.Progress(id)
	c.JSON(http.StatusOK, gin.H{
		"agentId":            id,
		"balance":            a.ledger.NetBalance(id),
		"totalTransactions":  a.ledger.TransactionCount(id, ""),
		"stage":              progress.CurrentStage,
		"stageName":          progress.StageName,
		"moltProgress":       progress.Progress,
		"recentTransactions": a.ledger.PaymentHistory(id, walletHistory),
	})
}

func (a Agents) Molt(c *gin.Context) {
	stage, err := a.molt.ExecuteMolt(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"newStage":  stage,
		"stageName": stage.String(),
		"message":   fmt.Sprintf("Molt complete, welcome to %s stage", stage),
	})
}

func (a Agents) MoltStatus(c *gin.Context) {
	id := c.Param("agentId")
	decay := a.molt.CheckDecay(c.Request.Context(), id)
	progress := a.molt.Progress(id)
	el := a.molt.CheckEligibility(id)

	c.JSON(http.StatusOK, gin.H{
		"agentId":      id,
		"currentStage": progress.CurrentStage,
		"stageName":    progress.StageName,
		"decayStatus":  decay,
		"progress":     progress.Progress,
		"unlocks":      progress.Unlocks,
		"eligible":     el.Eligible,
		"nextStage":    el.NextStage,
		"cooldownMs":   el.CooldownMs,
		"requirements": el.Requirements,
		"unmet":        el.Unmet,
	})
}

// Stats accepts the externally counted posts total and marks the agent active.
func (a Agents) Stats(c *gin.Context) {
	var req struct {
		Posts *int `json:"posts" binding:"required"`
	}
	if !bindJSON(c, &req, false) {
		return
	}
	if *req.Posts < 0 {
		respondError(c, x402.BadRequest("posts must be nonnegative"))
		return
	}
	id := c.Param("agentId")
	ctx := c.Request.Context()

	a.molt.UpdateStats(ctx, id, molt.StatsPatch{Posts: req.Posts})
	a.molt.RecordActivity(ctx, id)
	a.bus.Publish(ctx, events.New(events.AgentPosted, id, map[string]any{"posts": *req.Posts}))

	c.JSON(http.StatusOK, a.molt.Progress(id))
}

// Register creates an identity with the directory and starts the agent at Larva.
func (a Agents) Register(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
	}
	if !bindJSON(c, &req, false) {
		return
	}
	if a.registrar == nil {
		respondError(c, x402.NewError(http.StatusServiceUnavailable, "identity registration unavailable"))
		return
	}
	ctx := c.Request.Context()

	reg, err := a.registrar.Register(ctx, strings.TrimSpace(req.Name), req.Description)
	if err != nil {
		respondError(c, x402.NewError(http.StatusServiceUnavailable, "identity registration failed: %v", err))
		return
	}
	state := a.molt.GetOrCreate(ctx, reg.ExternalID)
	a.molt.RecordActivity(ctx, reg.ExternalID)
	a.bus.Publish(ctx, events.New(events.AgentDeployed, reg.ExternalID, map[string]any{"name": req.Name}))

	c.JSON(http.StatusCreated, gin.H{
		"externalId":       reg.ExternalID,
		"apiKey":           reg.APIKey,
		"claimUrl":         reg.ClaimURL,
		"verificationCode": reg.VerificationCode,
		"stage":            state.CurrentStage,
		"stageName":        state.CurrentStage.String(),
	})
}
