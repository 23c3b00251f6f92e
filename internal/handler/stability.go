package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stablecore/internal/stability"
)

type StabilityHandler struct {
	Controller *stability.Controller
}

func (h *StabilityHandler) Register(r *gin.Engine) {
	group := r.Group("/api/stability")
	group.POST("/tick", h.tick)
	group.GET("/health", h.health)
}

func (h *StabilityHandler) tick(c *gin.Context) {
	if h.Controller == nil {
		Error(c, http.StatusInternalServerError, "controller unavailable", nil)
		return
	}
	results, err := h.Controller.Tick(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	type tickItem struct {
		StablecoinCode string             `json:"stablecoin_code"`
		Actions        []stability.Action `json:"actions"`
		Error          string             `json:"error,omitempty"`
	}
	out := make([]tickItem, 0, len(results))
	failed := 0
	for _, r := range results {
		item := tickItem{StablecoinCode: r.StablecoinCode, Actions: r.Actions}
		if r.Err != nil {
			item.Error = r.Err.Error()
			failed++
		}
		out = append(out, item)
	}
	Ok(c, out, map[string]any{"coins": len(out), "failed": failed})
}

func (h *StabilityHandler) health(c *gin.Context) {
	if h.Controller == nil {
		Error(c, http.StatusInternalServerError, "controller unavailable", nil)
		return
	}
	report, err := h.Controller.CheckSystemHealth(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	status := http.StatusOK
	if report.Overall == stability.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, apiResponse{Code: 0, Message: "ok", Data: report})
}
