package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stablecore/internal/collateral"
	"stablecore/internal/issuance"
	"stablecore/internal/ledger"
	"stablecore/internal/repository"
)

type PositionHandler struct {
	Repo       repository.Repository
	Issuance   *issuance.Service
	Collateral *collateral.Service
	Logger     *zap.Logger
}

func (h *PositionHandler) Register(r *gin.Engine) {
	group := r.Group("/api/positions")
	group.POST("/mint", h.mint)
	group.GET("/at-risk", h.atRisk)
	group.GET("/:id", h.get)
	group.POST("/:id/burn", h.burn)
	group.POST("/:id/collateral", h.addCollateral)
	group.GET("/:id/recommendations", h.recommendations)
}

type mintRequest struct {
	AccountID        string          `json:"account_id" binding:"required"`
	StablecoinCode   string          `json:"stablecoin_code" binding:"required"`
	CollateralAsset  string          `json:"collateral_asset" binding:"required"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	MintAmount       decimal.Decimal `json:"mint_amount" binding:"required"`
}

func (h *PositionHandler) mint(c *gin.Context) {
	if h.Issuance == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	res, err := h.Issuance.Mint(c.Request.Context(), issuance.MintRequest{
		AccountID:        req.AccountID,
		StablecoinCode:   strings.ToUpper(strings.TrimSpace(req.StablecoinCode)),
		CollateralAsset:  strings.ToUpper(strings.TrimSpace(req.CollateralAsset)),
		CollateralAmount: req.CollateralAmount,
		MintAmount:       req.MintAmount,
	})
	if err != nil {
		Error(c, issuanceStatus(err), err.Error(), nil)
		return
	}
	Ok(c, res, nil)
}

type burnRequest struct {
	AccountID     string           `json:"account_id" binding:"required"`
	BurnAmount    decimal.Decimal  `json:"burn_amount" binding:"required"`
	ReleaseAmount *decimal.Decimal `json:"release_amount"`
}

func (h *PositionHandler) burn(c *gin.Context) {
	if h.Issuance == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req burnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	res, err := h.Issuance.Burn(c.Request.Context(), issuance.BurnRequest{
		AccountID:     req.AccountID,
		PositionID:    c.Param("id"),
		BurnAmount:    req.BurnAmount,
		ReleaseAmount: req.ReleaseAmount,
	})
	if err != nil {
		Error(c, issuanceStatus(err), err.Error(), nil)
		return
	}
	Ok(c, res, nil)
}

type addCollateralRequest struct {
	AccountID string          `json:"account_id" binding:"required"`
	Asset     string          `json:"asset" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
}

func (h *PositionHandler) addCollateral(c *gin.Context) {
	if h.Issuance == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req addCollateralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	pos, err := h.Issuance.AddCollateral(c.Request.Context(), req.AccountID, c.Param("id"),
		strings.ToUpper(strings.TrimSpace(req.Asset)), req.Amount)
	if err != nil {
		Error(c, issuanceStatus(err), err.Error(), nil)
		return
	}
	Ok(c, pos, nil)
}

func (h *PositionHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	item, err := h.Repo.GetPositionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "position not found", nil)
		return
	}
	Ok(c, item, nil)
}

func (h *PositionHandler) atRisk(c *gin.Context) {
	if h.Collateral == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	buffer, _ := decimalQuery(c, "buffer")
	items, err := h.Collateral.PositionsAtRisk(c.Request.Context(), buffer)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"count": len(items)})
}

func (h *PositionHandler) recommendations(c *gin.Context) {
	if h.Repo == nil || h.Collateral == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	item, err := h.Repo.GetPositionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "position not found", nil)
		return
	}
	recs, err := h.Collateral.Recommendations(c.Request.Context(), *item)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, recs, map[string]any{"count": len(recs)})
}

func issuanceStatus(err error) int {
	switch {
	case errors.Is(err, issuance.ErrStablecoinNotFound),
		errors.Is(err, issuance.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, issuance.ErrMintingDisabled),
		errors.Is(err, issuance.ErrBurningDisabled),
		errors.Is(err, issuance.ErrStablecoinInactive):
		return http.StatusConflict
	case errors.Is(err, issuance.ErrSupplyCapExceeded),
		errors.Is(err, issuance.ErrInsufficientCollateral),
		errors.Is(err, issuance.ErrAssetMismatch),
		errors.Is(err, issuance.ErrBurnExceedsDebt),
		errors.Is(err, issuance.ErrUnderCollateralizedRelease),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
