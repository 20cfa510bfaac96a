package webserver

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/stake-plus/moltswarm/src/ledger"
	"github.com/stake-plus/moltswarm/src/molt"
	"github.com/stake-plus/moltswarm/src/swarm"
)

const (
	topEarners    = 5
	fleetTaskPage = 20
)

type Fleet struct {
	ledger *ledger.Ledger
	molt   *molt.Engine
	coord  *swarm.Coordinator
}

func NewFleet(l *ledger.Ledger, m *molt.Engine, c *swarm.Coordinator) Fleet {
	return Fleet{ledger: l, molt: m, coord: c}
}

type earner struct {
	AgentID      string          `json:"agentId"`
	Earnings     decimal.Decimal `json:"earnings"`
	Transactions int             `json:"transactions"`
	Stage        string          `json:"stage"`
}

func (f Fleet) Analytics(c *gin.Context) {
	earnings := f.ledger.AllAgentEarnings()
	ids := map[string]struct{}{}
	for _, id := range f.molt.Agents() {
		ids[id] = struct{}{}
	}
	for id := range earnings {
		ids[id] = struct{}{}
	}

	total := decimal.Zero
	txs := 0
	rows := make([]earner, 0, len(ids))
	for id := range ids {
		e := earner{
			AgentID:      id,
			Earnings:     earnings[id],
			Transactions: f.ledger.TransactionCount(id, ""),
			Stage:        f.molt.CurrentStage(id).String(),
		}
		total = total.Add(e.Earnings)
		txs += e.Transactions
		rows = append(rows, e)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Earnings.Equal(rows[j].Earnings) {
			return rows[i].Earnings.GreaterThan(rows[j].Earnings)
		}
		return rows[i].AgentID < rows[j].AgentID
	})
	if len(rows) > topEarners {
		rows = rows[:topEarners]
	}

	c.JSON(http.StatusOK, gin.H{
		"fleet": gin.H{
			"totalAgents":       len(ids),
			"totalEarnings":     total.Round(6),
			"totalTransactions": txs,
			"topEarners":        rows,
		},
		"tasks": f.coord.Stats(),
	})
}

// Tasks lists open and claimed tasks, newest first.
func (f Fleet) Tasks(c *gin.Context) {
	all := f.coord.AllTasks()
	out := make([]swarm.Task, 0, fleetTaskPage)
	for i := len(all) - 1; i >= 0 && len(out) < fleetTaskPage; i-- {
		if all[i].Status == swarm.Open || all[i].Status == swarm.Claimed {
			out = append(out, all[i])
		}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}
