package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stablecore/internal/collateral"
	"stablecore/internal/models"
	"stablecore/internal/repository"
)

type StablecoinHandler struct {
	Repo       repository.Repository
	Collateral *collateral.Service
	Logger     *zap.Logger
}

func (h *StablecoinHandler) Register(r *gin.Engine) {
	group := r.Group("/api/stablecoins")
	group.POST("", h.upsert)
	group.GET("", h.list)
	group.GET("/:code", h.get)

	r.GET("/api/system/metrics", h.systemMetrics)
}

type upsertStablecoinRequest struct {
	Code                  string          `json:"code" binding:"required"`
	Name                  string          `json:"name"`
	PegAsset              string          `json:"peg_asset" binding:"required"`
	TargetPrice           decimal.Decimal `json:"target_price"`
	TargetCollateralRatio decimal.Decimal `json:"target_collateral_ratio" binding:"required"`
	MinCollateralRatio    decimal.Decimal `json:"min_collateral_ratio" binding:"required"`
	MintFee               decimal.Decimal `json:"mint_fee"`
	BurnFee               decimal.Decimal `json:"burn_fee"`
	Mechanism             string          `json:"mechanism" binding:"required"`
	MaxSupply             decimal.Decimal `json:"max_supply"`
}

func (h *StablecoinHandler) upsert(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	var req upsertStablecoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	mechanism := models.StabilityMechanism(strings.ToLower(strings.TrimSpace(req.Mechanism)))
	if !mechanism.Valid() {
		Error(c, http.StatusBadRequest, "invalid mechanism", nil)
		return
	}
	if req.MinCollateralRatio.LessThanOrEqual(decimal.Zero) ||
		req.TargetCollateralRatio.LessThan(req.MinCollateralRatio) {
		Error(c, http.StatusBadRequest, "target ratio must be >= min ratio > 0", nil)
		return
	}
	targetPrice := req.TargetPrice
	if targetPrice.IsZero() {
		targetPrice = decimal.NewFromInt(1)
	}

	item := &models.Stablecoin{
		Code:                  strings.ToUpper(strings.TrimSpace(req.Code)),
		Name:                  req.Name,
		PegAsset:              strings.ToUpper(strings.TrimSpace(req.PegAsset)),
		TargetPrice:           targetPrice,
		TargetCollateralRatio: req.TargetCollateralRatio,
		MinCollateralRatio:    req.MinCollateralRatio,
		MintFee:               req.MintFee,
		BurnFee:               req.BurnFee,
		Mechanism:             mechanism,
		MaxSupply:             req.MaxSupply,
		MintingEnabled:        true,
		BurningEnabled:        true,
		Active:                true,
	}
	if err := h.Repo.UpsertStablecoin(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("stablecoin upserted", zap.String("code", item.Code))
	}
	Ok(c, item, nil)
}

func (h *StablecoinHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListActiveStablecoins(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"count": len(items)})
}

func (h *StablecoinHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	code := strings.ToUpper(strings.TrimSpace(c.Param("code")))
	item, err := h.Repo.GetStablecoin(c.Request.Context(), code)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "stablecoin not found", nil)
		return
	}
	Ok(c, gin.H{
		"stablecoin":   item,
		"global_ratio": item.GlobalRatio(),
	}, nil)
}

func (h *StablecoinHandler) systemMetrics(c *gin.Context) {
	if h.Collateral == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	metrics, err := h.Collateral.SystemCollateralizationMetrics(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, metrics, nil)
}
