package webserver

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/moltswarm/src/ledger"
	"github.com/stake-plus/moltswarm/src/molt"
	"github.com/stake-plus/moltswarm/src/x402"
)

type Payments struct {
	ledger   *ledger.Ledger
	molt     *molt.Engine
	receipts *x402.ReceiptIssuer
}

func NewPayments(l *ledger.Ledger, m *molt.Engine, r *x402.ReceiptIssuer) Payments {
	return Payments{ledger: l, molt: m, receipts: r}
}

func (p Payments) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":  x402.Version,
		"methods":  x402.SupportedMethods,
		"networks": []string{"base-sepolia", "base-mainnet"},
	})
}

// PremiumData is the sample gated resource. A payer naming itself with
// X-Swarm-ID has the payment booked as outbound.
func (p Payments) PremiumData(c *gin.Context) {
	v, ok := x402.FromContext(c)
	if !ok {
		respondError(c, x402.Internal("payment context missing"))
		return
	}

	if agentID := c.GetHeader(x402.HeaderSwarmID); agentID != "" {
		network := c.GetHeader(x402.HeaderPaymentMethod)
		if !x402.IsValidMethod(network) {
			network = ""
		}
		if _, err := p.ledger.RecordTransaction(c.Request.Context(), agentID, v.Payload.Amount,
			ledger.Outbound, v.Envelope.Resource, network); err != nil {
			log.Printf("x402: could not book payment for %s: %v", agentID, err)
		} else {
			p.molt.RecordActivity(c.Request.Context(), agentID)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      "Premium swarm data payload",
		"timestamp": time.Now().UnixMilli(),
		"receiptId": v.ReceiptID,
	})
}

func (p Payments) Receipt(c *gin.Context) {
	if p.receipts == nil {
		respondError(c, x402.NotFound("receipt not found"))
		return
	}
	rc, err := p.receipts.Parse(c.Param("token"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rc)
}
