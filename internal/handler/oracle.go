package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stablecore/internal/oracle"
)

type OracleHandler struct {
	Aggregator *oracle.Aggregator
}

func (h *OracleHandler) Register(r *gin.Engine) {
	group := r.Group("/api/oracle")
	group.GET("/price", h.price)
	group.GET("/price/historical", h.historical)
}

func (h *OracleHandler) pair(c *gin.Context) (string, string, bool) {
	base := strings.TrimSpace(c.Query("base"))
	quote := strings.TrimSpace(c.Query("quote"))
	if base == "" || quote == "" {
		Error(c, http.StatusBadRequest, "base and quote are required", nil)
		return "", "", false
	}
	return base, quote, true
}

func (h *OracleHandler) price(c *gin.Context) {
	if h.Aggregator == nil {
		Error(c, http.StatusInternalServerError, "oracle unavailable", nil)
		return
	}
	base, quote, ok := h.pair(c)
	if !ok {
		return
	}
	price, err := h.Aggregator.GetAggregatedPrice(c.Request.Context(), base, quote)
	if err != nil {
		Error(c, oracleStatus(err), err.Error(), nil)
		return
	}
	Ok(c, price, nil)
}

func (h *OracleHandler) historical(c *gin.Context) {
	if h.Aggregator == nil {
		Error(c, http.StatusInternalServerError, "oracle unavailable", nil)
		return
	}
	base, quote, ok := h.pair(c)
	if !ok {
		return
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(c.Query("at")))
	if err != nil {
		Error(c, http.StatusBadRequest, "at must be RFC3339", nil)
		return
	}
	price, err := h.Aggregator.GetHistoricalAggregatedPrice(c.Request.Context(), base, quote, at)
	if err != nil {
		Error(c, oracleStatus(err), err.Error(), nil)
		return
	}
	Ok(c, price, nil)
}

func oracleStatus(err error) int {
	if errors.Is(err, oracle.ErrInsufficientOracleResponses) || errors.Is(err, oracle.ErrPairUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}
