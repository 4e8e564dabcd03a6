package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"lendbook/apps/lendbook/internal/model"
)

// writeJSONResponse writes a JSON response with the specified status code
func writeJSONResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, errorCode, message string) {
	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	writeJSONResponse(w, logger, statusCode, errorResponse)
}

// responder is embedded by every handler.
type responder struct {
	logger *zap.Logger
}

func (h responder) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSONResponse(w, h.logger, statusCode, data)
}

func (h responder) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeErrorResponse(w, h.logger, statusCode, errorCode, message)
}

// writeError maps domain errors onto HTTP statuses.
func (h responder) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		h.writeErrorResponse(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, model.ErrUnauthorized):
		h.writeErrorResponse(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, model.ErrNotFound):
		h.writeErrorResponse(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, model.ErrAlreadyTerminal):
		h.writeErrorResponse(w, http.StatusConflict, "already_terminal", err.Error())
	case errors.Is(err, model.ErrInvalidStateTransition):
		h.writeErrorResponse(w, http.StatusConflict, "invalid_state_transition", err.Error())
	case errors.Is(err, model.ErrUpstreamFailure):
		h.logger.Warn("Upstream failure", zap.Error(err))
		h.writeErrorResponse(w, http.StatusBadGateway, "upstream_failure", err.Error())
	default:
		h.logger.Error("Request failed", zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func (h responder) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_json", "Invalid JSON request body")
		return false
	}
	return true
}

// queryAddress returns the checksummed form of an optional address parameter.
func queryAddress(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", nil
	}
	if !common.IsHexAddress(v) {
		return "", fmt.Errorf("%w: %s is not an address", model.ErrValidation, name)
	}
	return common.HexToAddress(v).Hex(), nil
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", model.ErrValidation)
	}
	return limit, nil
}

func queryFloat(r *http.Request, name string) (float64, bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("%w: %s must be a finite number", model.ErrValidation, name)
	}
	return f, true, nil
}
