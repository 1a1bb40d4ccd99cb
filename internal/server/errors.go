package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/cedars/internal/adjudication"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, adjudication.ErrInvalidPatientID),
		errors.Is(err, adjudication.ErrInvalidNoteID),
		errors.Is(err, adjudication.ErrInvalidAnnotationID),
		errors.Is(err, adjudication.ErrInvalidDate):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, adjudication.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, adjudication.ErrAlreadyLocked):
		return http.StatusConflict, "already_locked"
	case errors.Is(err, adjudication.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, adjudication.ErrDataIntegrity):
		return http.StatusInternalServerError, "data_integrity"
	case errors.Is(err, adjudication.ErrExternalService):
		return http.StatusBadGateway, "external_service"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status, reason := classifyError(err)
	code := adjudication.ErrorCode(err)
	fields := []zap.Field{
		zap.String("path", c.FullPath()),
		zap.String("reviewer", c.GetString(reviewerIDContextKey)),
		zap.String("code", code),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, fields...)
	} else {
		h.logger.Info(message, fields...)
	}
	c.JSON(status, errorResponse{Error: reason, Code: code})
}
