package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"stablecore/internal/liquidation"
)

type LiquidationHandler struct {
	Engine *liquidation.Engine
}

func (h *LiquidationHandler) Register(r *gin.Engine) {
	group := r.Group("/api/liquidations")
	group.POST("/run", h.run)
	group.POST("/positions/:id", h.liquidateOne)
	group.POST("/emergency/:code", h.emergency)
	group.GET("/simulate", h.simulate)
}

func (h *LiquidationHandler) liquidator(c *gin.Context) *string {
	if v := strings.TrimSpace(c.Query("liquidator_id")); v != "" {
		return &v
	}
	return nil
}

type batchItemView struct {
	PositionID string              `json:"position_id"`
	Result     *liquidation.Result `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func batchView(out liquidation.BatchResult) []batchItemView {
	items := make([]batchItemView, 0, len(out.Items))
	for _, item := range out.Items {
		view := batchItemView{PositionID: item.PositionID, Result: item.Result}
		if item.Err != nil {
			view.Error = item.Err.Error()
		}
		items = append(items, view)
	}
	return items
}

func batchMeta(out liquidation.BatchResult) map[string]any {
	return map[string]any{
		"succeeded":     out.Succeeded,
		"failed":        out.Failed,
		"total_rewards": out.TotalRewards,
		"total_fees":    out.TotalFees,
	}
}

func (h *LiquidationHandler) run(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable", nil)
		return
	}
	out, err := h.Engine.LiquidateEligible(c.Request.Context(), h.liquidator(c))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, batchView(out), batchMeta(out))
}

func (h *LiquidationHandler) liquidateOne(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable", nil)
		return
	}
	res, err := h.Engine.LiquidatePosition(c.Request.Context(), c.Param("id"), h.liquidator(c))
	if err != nil {
		Error(c, liquidationStatus(err), err.Error(), nil)
		return
	}
	Ok(c, res, nil)
}

func (h *LiquidationHandler) emergency(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable", nil)
		return
	}
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	out, err := h.Engine.EmergencyLiquidation(c.Request.Context(), code)
	if err != nil {
		Error(c, liquidationStatus(err), err.Error(), nil)
		return
	}
	Ok(c, batchView(out), batchMeta(out))
}

func (h *LiquidationHandler) simulate(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable", nil)
		return
	}
	code := strings.ToUpper(strings.TrimSpace(c.Query("code")))
	if code == "" {
		Error(c, http.StatusBadRequest, "code is required", nil)
		return
	}
	drop, ok := decimalQuery(c, "price_drop_pct")
	if !ok {
		Error(c, http.StatusBadRequest, "price_drop_pct is required", nil)
		return
	}
	sim, err := h.Engine.SimulateMassLiquidation(c.Request.Context(), code, drop)
	if err != nil {
		Error(c, liquidationStatus(err), err.Error(), nil)
		return
	}
	Ok(c, sim, nil)
}

func liquidationStatus(err error) int {
	switch {
	case errors.Is(err, liquidation.ErrPositionNotFound),
		errors.Is(err, liquidation.ErrStablecoinNotFound):
		return http.StatusNotFound
	case errors.Is(err, liquidation.ErrNotEligibleForLiquidation):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
