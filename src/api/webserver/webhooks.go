package webserver

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/moltswarm/src/events"
	"github.com/stake-plus/moltswarm/src/x402"
)

type Hooks struct {
	hooks *events.Webhooks
}

func NewHooks(w *events.Webhooks) Hooks { return Hooks{hooks: w} }

func (h Hooks) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"webhooks": h.hooks.List(), "events": events.AllTypes})
}

func (h Hooks) Register(c *gin.Context) {
	var req struct {
		URL    string        `json:"url" binding:"required"`
		Events []events.Type `json:"events"`
	}
	if !bindJSON(c, &req, false) {
		return
	}
	types := req.Events
	if len(types) == 0 {
		types = events.AllTypes
	}
	hook, err := h.hooks.Register(req.URL, types)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "webhook": hook})
}

func (h Hooks) Unregister(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		var req struct {
			URL string `json:"url" binding:"required"`
		}
		if !bindJSON(c, &req, false) {
			return
		}
		url = req.URL
	}
	if !h.hooks.Unregister(url) {
		respondError(c, x402.NotFound("webhook not registered"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
