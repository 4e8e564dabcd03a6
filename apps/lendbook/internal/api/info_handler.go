package api

import (
	"net/http"

	"go.uber.org/zap"

	"lendbook/apps/lendbook/internal/assets"
	"lendbook/apps/lendbook/internal/batch"
	"lendbook/apps/lendbook/internal/health"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/signing"
)

// InfoHandler handles the deployment info endpoint
type InfoHandler struct {
	responder
	domain        signing.Domain
	manager       *batch.Manager
	health        *health.Query
	assetRegistry *assets.AssetRegistry
}

// NewInfoHandler creates a new InfoHandler
func NewInfoHandler(domain signing.Domain, manager *batch.Manager, query *health.Query, registry *assets.AssetRegistry, logger *zap.Logger) *InfoHandler {
	return &InfoHandler{
		responder:     responder{logger: logger},
		domain:        domain,
		manager:       manager,
		health:        query,
		assetRegistry: registry,
	}
}

// GetInfo handles GET /api/info. The price is best effort; an unreachable
// feed leaves eth_price_usd null.
func (h *InfoHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	batchChan := make(chan *model.Batch, 1)
	priceChan := make(chan *float64, 1)
	errorChan := make(chan error, 1)

	go func() {
		b, err := h.manager.EnsureCollectingBatch(ctx)
		if err != nil {
			errorChan <- err
			return
		}
		batchChan <- b
	}()

	go func() {
		if h.health == nil {
			priceChan <- nil
			return
		}
		price, err := h.health.CurrentPrice(ctx)
		if err != nil {
			h.logger.Warn("Failed to get ETH price", zap.Error(err))
			priceChan <- nil
			return
		}
		priceChan <- &price
	}()

	var current *model.Batch
	var price *float64
	for i := 0; i < 2; i++ {
		select {
		case current = <-batchChan:
		case price = <-priceChan:
		case err := <-errorChan:
			h.writeError(w, err)
			return
		}
	}

	policy := h.manager.Policy()
	response := InfoResponse{
		ChainID:   h.domain.ChainID,
		OrderBook: h.domain.VerifyingContract.Hex(),
		Domain: DomainResponse{
			Name:              h.domain.Name,
			Version:           h.domain.Version,
			ChainID:           h.domain.ChainID,
			VerifyingContract: h.domain.VerifyingContract.Hex(),
		},
		Assets:           h.assetRegistry.GetAllAsArray(),
		CollectionWindow: policy.CollectionWindow.String(),
		MinOrders:        policy.MinOrders,
		DisplayThreshold: policy.DisplayThreshold,
		CurrentBatch:     toBatchResponse(current),
		EthPriceUSD:      price,
	}
	if h.health != nil {
		response.HealthThreshold = h.health.Policy().Threshold
		response.LiquidationBonus = h.health.Policy().LiquidationBonus
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}
