package webserver

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stake-plus/moltswarm/src/api/config"
	"github.com/stake-plus/moltswarm/src/events"
	"github.com/stake-plus/moltswarm/src/ledger"
	"github.com/stake-plus/moltswarm/src/molt"
	"github.com/stake-plus/moltswarm/src/moltbook"
	"github.com/stake-plus/moltswarm/src/swarm"
	"github.com/stake-plus/moltswarm/src/x402"
)

// Registrar creates agent identities with the external directory.
type Registrar interface {
	Register(ctx context.Context, name, description string) (moltbook.Registration, error)
}

// Deps are the long-lived services the routes are wired to.
type Deps struct {
	Ledger    *ledger.Ledger
	Molt      *molt.Engine
	Swarm     *swarm.Coordinator
	Bus       *events.Bus
	Webhooks  *events.Webhooks
	Registrar Registrar
	Gate      *x402.Gate
	Receipts  *x402.ReceiptIssuer
}

func New(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	attachRoutes(r, cfg, d)
	return r
}

func attachRoutes(r *gin.Engine, cfg config.Config, d Deps) {
	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization",
			x402.HeaderPayment, x402.HeaderPaymentMethod, x402.HeaderSwarmID},
		ExposeHeaders: []string{"Content-Length", x402.HeaderPrice, x402.HeaderPaymentAddress,
			x402.HeaderPaymentMethods, x402.HeaderTTL, x402.HeaderReceiptURL, x402.HeaderMoltStage},
	}
	if len(cfg.CORSOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
		corsCfg.AllowCredentials = true
	}
	r.Use(cors.New(corsCfg))

	r.NoRoute(func(c *gin.Context) {
		respondError(c, x402.NotFound("no route for %s %s", c.Request.Method, c.Request.URL.Path))
	})
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	limiter := NewRateLimiter(func(key string) int {
		return molt.RateLimitFor(d.Molt.CurrentStage(key)).BurstPerSec
	})
	admin := AdminMiddleware([]byte(cfg.AdminSecret))

	payH := NewPayments(d.Ledger, d.Molt, d.Receipts)
	agentH := NewAgents(d.Ledger, d.Molt, d.Bus, d.Registrar)
	swarmH := NewSwarm(d.Swarm, d.Ledger, d.Molt)
	fleetH := NewFleet(d.Ledger, d.Molt, d.Swarm)
	hookH := NewHooks(d.Webhooks)

	api := r.Group("/api")
	{
		api.GET("/x402/info", payH.Info)
		api.GET("/x402/premium-data", RateLimitMiddleware(limiter), d.Gate.Handler(), payH.PremiumData)
		api.GET("/x402/receipts/:token", payH.Receipt)

		api.POST("/agents/register", agentH.Register)
		agents := api.Group("/agents/:agentId", RateLimitMiddleware(limiter), stageHeader(d.Molt))
		agents.GET("/wallet", agentH.Wallet)
		agents.POST("/molt", agentH.Molt)
		agents.GET("/molt-status", agentH.MoltStatus)
		agents.POST("/stats", agentH.Stats)

		api.GET("/swarm/tasks", swarmH.List)
		api.POST("/swarm/tasks", admin, swarmH.Create)
		api.POST("/swarm/tasks/:id/claim", RateLimitMiddleware(limiter), swarmH.Claim)
		api.POST("/swarm/tasks/:id/complete", RateLimitMiddleware(limiter), swarmH.Complete)

		api.GET("/fleet/analytics", fleetH.Analytics)
		api.GET("/fleet/tasks", fleetH.Tasks)

		hooks := api.Group("/webhooks", admin)
		hooks.GET("", hookH.List)
		hooks.POST("", hookH.Register)
		hooks.DELETE("", hookH.Unregister)
	}
}

// stageHeader reports the agent's current stage on every agent response.
func stageHeader(engine *molt.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(x402.HeaderMoltStage, engine.CurrentStage(c.Param("agentId")).String())
		c.Next()
	}
}
