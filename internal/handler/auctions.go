package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"stablecore/internal/auction"
	"stablecore/internal/models"
	"stablecore/internal/repository"
)

type AuctionHandler struct {
	Service *auction.Service
	Repo    repository.Repository
}

func (h *AuctionHandler) Register(r *gin.Engine) {
	group := r.Group("/api/auctions")
	group.POST("", h.start)
	group.GET("", h.list)
	group.GET("/:id", h.get)
	group.GET("/:id/bids", h.bids)
	group.GET("/:id/result", h.result)
	group.POST("/:id/bids", h.placeBid)
	group.POST("/:id/close", h.close)
	group.POST("/:id/cancel", h.cancel)
}

type startAuctionRequest struct {
	PositionID      string          `json:"position_id" binding:"required"`
	CollateralValue decimal.Decimal `json:"collateral_value" binding:"required"`
	MinimumBid      decimal.Decimal `json:"minimum_bid"`
}

func (h *AuctionHandler) start(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req startAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	item, err := h.Service.StartAuction(c.Request.Context(), req.PositionID, req.CollateralValue, req.MinimumBid, nil)
	if err != nil {
		Error(c, http.StatusUnprocessableEntity, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

type placeBidRequest struct {
	BidderID string          `json:"bidder_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount" binding:"required"`
}

func (h *AuctionHandler) placeBid(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	bid, err := h.Service.PlaceBid(c.Request.Context(), c.Param("id"), req.BidderID, req.Amount)
	if err != nil {
		Error(c, auctionStatus(err), err.Error(), nil)
		return
	}
	Ok(c, bid, nil)
}

func (h *AuctionHandler) close(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	item, err := h.Service.CloseAuction(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, auctionStatus(err), err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

func (h *AuctionHandler) cancel(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	if err := h.Service.CancelAuction(c.Request.Context(), c.Param("id")); err != nil {
		Error(c, auctionStatus(err), err.Error(), nil)
		return
	}
	Ok(c, gin.H{"status": models.AuctionStatusCancelled}, nil)
}

func (h *AuctionHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	item, err := h.Repo.GetAuctionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "auction not found", nil)
		return
	}
	Ok(c, item, nil)
}

func (h *AuctionHandler) bids(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListBids(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"count": len(items)})
}

func (h *AuctionHandler) result(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	res, err := h.Service.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, auctionStatus(err), err.Error(), nil)
		return
	}
	Ok(c, res, nil)
}

func (h *AuctionHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	status := strings.TrimSpace(c.Query("status"))
	if status == "" {
		status = models.AuctionStatusActive
	}
	limit := intQuery(c, "limit", 50)
	items, err := h.Repo.ListAuctionsByStatus(c.Request.Context(), status, limit)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"count": len(items)})
}

func auctionStatus(err error) int {
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrAuctionNotActive):
		return http.StatusConflict
	case errors.Is(err, auction.ErrBidTooLow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
