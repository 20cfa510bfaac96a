package webserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/stake-plus/moltswarm/src/ledger"
	"github.com/stake-plus/moltswarm/src/molt"
	"github.com/stake-plus/moltswarm/src/swarm"
	"github.com/stake-plus/moltswarm/src/x402"
)

type Swarm struct {
	coord  *swarm.Coordinator
	ledger *ledger.Ledger
	molt   *molt.Engine
}

func NewSwarm(c *swarm.Coordinator, l *ledger.Ledger, m *molt.Engine) Swarm {
	return Swarm{coord: c, ledger: l, molt: m}
}

// List returns open tasks for ?stage=N, or for the stage of ?agentId=.
func (s Swarm) List(c *gin.Context) {
	stage := molt.Larva
	if id := c.Query("agentId"); id != "" {
		stage = s.molt.CurrentStage(id)
	} else if n, err := strconv.Atoi(c.Query("stage")); err == nil {
		stage = molt.ClampStage(n)
	}
	c.JSON(http.StatusOK, gin.H{"stage": stage, "tasks": s.coord.AvailableTasks(c.Request.Context(), stage)})
}

func (s Swarm) Create(c *gin.Context) {
	var req struct {
		Type          swarm.TaskType  `json:"type" binding:"required"`
		Reward        decimal.Decimal `json:"reward"`
		Description   string          `json:"description" binding:"required"`
		RequiredStage int             `json:"requiredStage"`
		TTLMs         int64           `json:"ttlMs"`
	}
	if !bindJSON(c, &req, false) {
		return
	}
	task, err := s.coord.CreateTask(c.Request.Context(), req.Type, req.Reward, req.Description,
		molt.Stage(req.RequiredStage), time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "task": task})
}

// Claim assigns a task. Eligibility uses the agent's stage as tracked by the
// molt engine after any pending decay is applied.
func (s Swarm) Claim(c *gin.Context) {
	var req struct {
		AgentID string `json:"agentId" binding:"required"`
	}
	if !bindJSON(c, &req, false) {
		return
	}
	ctx := c.Request.Context()

	s.molt.CheckDecay(ctx, req.AgentID)
	task, err := s.coord.ClaimTask(ctx, c.Param("id"), req.AgentID, s.molt.CurrentStage(req.AgentID))
	if err != nil {
		respondError(c, err)
		return
	}
	s.molt.RecordActivity(ctx, req.AgentID)
	c.JSON(http.StatusOK, gin.H{"success": true, "task": task})
}

// Complete finishes a claimed task and credits its reward to the assignee.
func (s Swarm) Complete(c *gin.Context) {
	var req struct {
		Result json.RawMessage `json:"result"`
	}
	if !bindJSON(c, &req, true) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	task, err := s.coord.CompleteTask(ctx, id, req.Result)
	if err != nil {
		respondError(c, err)
		return
	}
	if task.AssignedAgent == nil {
		respondError(c, x402.Internal("completed task %s has no assignee", id))
		return
	}
	agentID := *task.AssignedAgent
	if _, err := s.ledger.RecordTransaction(ctx, agentID, task.Reward, ledger.Inbound, "task:"+id, ""); err != nil {
		respondError(c, err)
		return
	}
	s.molt.RecordActivity(ctx, agentID)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"reward":  task.Reward,
		"message": "Task completed, reward credited",
	})
}
