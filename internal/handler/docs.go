package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, `# Stablecore Service

Collateral-backed stablecoin engine: positions, oracle pricing, liquidations,
auctions and the peg stability loop.

## Notable Routes

- GET /healthz
- GET /readyz
- POST /api/stablecoins
- GET /api/stablecoins
- GET /api/stablecoins/:code
- GET /api/system/metrics
- POST /api/positions/mint
- POST /api/positions/:id/burn
- POST /api/positions/:id/collateral
- GET /api/positions/:id
- GET /api/positions/at-risk
- GET /api/positions/:id/recommendations
- GET /api/oracle/price?base=ETH&quote=USD
- GET /api/oracle/price/historical?base=ETH&quote=USD&at=2025-01-01T00:00:00Z
- POST /api/liquidations/run
- POST /api/liquidations/positions/:id
- POST /api/liquidations/emergency/:code
- GET /api/liquidations/simulate?code=XUSD&price_drop_pct=0.2
- POST /api/auctions
- POST /api/auctions/:id/bids
- POST /api/auctions/:id/close
- POST /api/auctions/:id/cancel
- GET /api/auctions/:id/result
- POST /api/stability/tick
- GET /api/stability/health
`)
	})
}
