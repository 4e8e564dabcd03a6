package api

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"lendbook/apps/lendbook/internal/events"
	"lendbook/apps/lendbook/internal/settlement"
)

const maxEventBytes = 1 << 20

// OperatorHandler accepts settlement events reported by the matching operator
type OperatorHandler struct {
	responder
	reporter *settlement.Reporter
}

// NewOperatorHandler creates a new OperatorHandler
func NewOperatorHandler(reporter *settlement.Reporter, logger *zap.Logger) *OperatorHandler {
	return &OperatorHandler{
		responder: responder{logger: logger},
		reporter:  reporter,
	}
}

// ApplyEvent handles POST /api/operator/events. The body is one event
// envelope, the same wire form consumed from the settlement topic.
func (h *OperatorHandler) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		h.writeErrorResponse(w, http.StatusRequestEntityTooLarge, "body_too_large", "Event body is too large")
		return
	}

	msg, err := events.Decode(body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	outcome, err := h.reporter.Apply(r.Context(), msg)
	if err != nil {
		h.logger.Warn("Rejected operator event",
			zap.String("operator", OperatorFromContext(r.Context())),
			zap.String("event_id", msg.ID),
			zap.String("kind", string(msg.Event.Kind())),
			zap.Error(err))
		h.writeError(w, err)
		return
	}

	h.logger.Info("Applied operator event",
		zap.String("operator", OperatorFromContext(r.Context())),
		zap.String("event_id", msg.ID),
		zap.String("kind", string(msg.Event.Kind())),
		zap.String("outcome", string(outcome)))
	h.writeJSONResponse(w, http.StatusOK, OperatorEventResponse{
		EventID: msg.ID,
		Outcome: string(outcome),
	})
}
