package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/orderbook"
	"lendbook/apps/lendbook/internal/signing"
)

// OrderHandler handles lender and borrower order endpoints
type OrderHandler struct {
	responder
	orders             *orderbook.Store
	transactionBuilder *TransactionBuilder
}

// NewOrderHandler creates a new OrderHandler
func NewOrderHandler(orders *orderbook.Store, transactionBuilder *TransactionBuilder, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		responder:          responder{logger: logger},
		orders:             orders,
		transactionBuilder: transactionBuilder,
	}
}

// SubmitOrder handles POST /api/orders
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderbook.SubmitOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.orders.SubmitOrder(r.Context(), req)
	if orderbook.IsDuplicate(err) {
		h.writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("Accepted lender order",
		zap.String("order_id", order.ID),
		zap.String("lender", order.Lender),
		zap.String("execution", string(order.Execution)))
	h.writeJSONResponse(w, http.StatusCreated, toOrderResponse(order))
}

// SubmitBorrowerOrder handles POST /api/borrower-orders
func (h *OrderHandler) SubmitBorrowerOrder(w http.ResponseWriter, r *http.Request) {
	var req orderbook.SubmitBorrowerOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.orders.SubmitBorrowerOrder(r.Context(), req)
	if orderbook.IsDuplicate(err) {
		h.writeJSONResponse(w, http.StatusOK, toBorrowerOrderResponse(order))
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("Accepted borrower order",
		zap.String("order_id", order.ID),
		zap.String("borrower", order.Borrower),
		zap.String("execution", string(order.Execution)))
	h.writeJSONResponse(w, http.StatusCreated, toBorrowerOrderResponse(order))
}

func orderFilter(r *http.Request) (model.OrderFilter, error) {
	q := r.URL.Query()
	owner, err := queryAddress(r, "owner")
	if err != nil {
		return model.OrderFilter{}, err
	}
	limit, err := queryLimit(r)
	if err != nil {
		return model.OrderFilter{}, err
	}
	return model.OrderFilter{
		Owner:     owner,
		Status:    model.OrderStatus(q.Get("status")),
		AVSStatus: model.AVSStatus(q.Get("avs_status")),
		BatchID:   q.Get("batch_id"),
		Limit:     limit,
	}, nil
}

// ListOrders handles GET /api/orders
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := orderFilter(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	orders, err := h.orders.ListOrders(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := OrderListResponse{Orders: make([]OrderResponse, 0, len(orders))}
	for _, o := range orders {
		response.Orders = append(response.Orders, toOrderResponse(o))
	}
	response.Count = len(response.Orders)
	h.writeJSONResponse(w, http.StatusOK, response)
}

// ListBorrowerOrders handles GET /api/borrower-orders
func (h *OrderHandler) ListBorrowerOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := orderFilter(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	orders, err := h.orders.ListBorrowerOrders(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := BorrowerOrderListResponse{Orders: make([]BorrowerOrderResponse, 0, len(orders))}
	for _, o := range orders {
		response.Orders = append(response.Orders, toBorrowerOrderResponse(o))
	}
	response.Count = len(response.Orders)
	h.writeJSONResponse(w, http.StatusOK, response)
}

// isOrderHash reports whether a path id is an EIP-712 order hash rather than an order id.
func isOrderHash(id string) bool {
	return len(id) == 66 && strings.HasPrefix(id, "0x")
}

// GetOrder handles GET /api/orders/{order_id}. The id may also be the order hash.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["order_id"]
	var order *model.SignedOrder
	var err error
	if isOrderHash(id) {
		order, err = h.orders.GetOrderByHash(r.Context(), strings.ToLower(id))
	} else {
		order, err = h.orders.GetOrder(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toOrderResponse(order))
}

// GetBorrowerOrder handles GET /api/borrower-orders/{order_id}
func (h *OrderHandler) GetBorrowerOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["order_id"]
	var order *model.BorrowerOrder
	var err error
	if isOrderHash(id) {
		order, err = h.orders.GetBorrowerOrderByHash(r.Context(), strings.ToLower(id))
	} else {
		order, err = h.orders.GetBorrowerOrder(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, toBorrowerOrderResponse(order))
}

// CancelOrder handles POST /api/orders/{order_id}/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r,
		func(ctx context.Context, id string) (string, error) {
			o, err := h.orders.GetOrder(ctx, id)
			if err != nil {
				return "", err
			}
			return o.OrderHash, nil
		},
		h.orders.CancelOrder)
}

// CancelBorrowerOrder handles POST /api/borrower-orders/{order_id}/cancel
func (h *OrderHandler) CancelBorrowerOrder(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r,
		func(ctx context.Context, id string) (string, error) {
			o, err := h.orders.GetBorrowerOrder(ctx, id)
			if err != nil {
				return "", err
			}
			return o.OrderHash, nil
		},
		h.orders.CancelBorrowerOrder)
}

// cancel authenticates the requester by recovering the signer of the cancel
// message for the order's hash.
func (h *OrderHandler) cancel(
	w http.ResponseWriter,
	r *http.Request,
	orderHash func(ctx context.Context, id string) (string, error),
	cancel func(ctx context.Context, id string, requester common.Address) error,
) {
	orderID := mux.Vars(r)["order_id"]

	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Signature == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_signature", "Signature is required")
		return
	}

	hash, err := orderHash(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	requester, err := signing.RecoverCancelRequester(hash, req.Signature)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", model.ErrValidation, err))
		return
	}

	if err := cancel(r.Context(), orderID, requester); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, CancelResponse{
		OrderID: orderID,
		Status:  string(model.OrderStatusCancelled),
	})
}

// FillTransaction handles POST /api/orders/{order_id}/fill-transaction.
// Only direct orders are filled by wallets; batch orders are filled by the
// operator when their batch executes.
func (h *OrderHandler) FillTransaction(w http.ResponseWriter, r *http.Request) {
	if h.transactionBuilder == nil {
		h.writeErrorResponse(w, http.StatusServiceUnavailable, "chain_unavailable", "Transaction building is not configured")
		return
	}

	var req TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.From) {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_wallet_address", "Invalid Ethereum address format")
		return
	}

	order, err := h.orders.GetOrder(r.Context(), mux.Vars(r)["order_id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if order.Execution != model.ExecutionDirect {
		h.writeError(w, fmt.Errorf("%w: batch orders are filled by the operator", model.ErrInvalidStateTransition))
		return
	}
	if order.Status != model.OrderStatusPending {
		h.writeError(w, fmt.Errorf("%w: order is %s", model.ErrAlreadyTerminal, order.Status))
		return
	}

	tx, err := h.transactionBuilder.BuildFillTransaction(r.Context(), order, common.HexToAddress(req.From))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("Built fill transaction",
		zap.String("order_id", order.ID),
		zap.String("borrower", req.From))
	h.writeJSONResponse(w, http.StatusOK, TransactionResponse{UnsignedTransaction: tx})
}
