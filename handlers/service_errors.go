package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/Tonytony5278/narc-sub001/services"
	"github.com/Tonytony5278/narc-sub001/utils"
	"go.uber.org/zap"
)

// contentionRetryAfter is the Retry-After hint sent when the ledger lock is busy
const contentionRetryAfter = time.Second

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	message := err.Error()
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}

	var writeErr error
	switch {
	case services.IsNotFoundError(err):
		writeErr = utils.WriteNotFound(w, message)

	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, message, details)

	case services.IsUnauthorizedError(err):
		writeErr = utils.WriteUnauthorized(w, message)

	case services.IsForbiddenError(err):
		writeErr = utils.WriteForbidden(w, message)

	case services.IsContentionError(err):
		logger.Warn("ledger contention", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, message, contentionRetryAfter, nil)

	case services.IsIntegrityError(err):
		logger.Error("ledger integrity failure", zap.Error(err), zap.Any("details", details))
		writeErr = utils.WriteError(w, http.StatusInternalServerError, "Ledger integrity check failed", details)

	case services.IsInternalError(err):
		// Internal detail stays in the log
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var details map[string]interface{}
	message := err.Error()
	if utils.IsValidationError(err) {
		details = make(map[string]interface{})
		for k, v := range utils.GetValidationFields(err) {
			details[k] = v
		}
		message = "Validation failed"
	}

	if err := utils.WriteBadRequest(w, message, details); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
