package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/psds-microservice/escrow-service/internal/errs"
)

// conflicts are validation failures caused by the ticket's current state rather than the request.
var conflicts = []error{
	errs.ErrTicketExists, errs.ErrConflict, errs.ErrWrongStage, errs.ErrAlreadyConfirmed,
	errs.ErrTerminalTicket, errs.ErrOperationInFlight, errs.ErrRoleTaken, errs.ErrRoleConflict,
	errs.ErrNoOp,
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrTicketNotFound):
		return http.StatusNotFound
	case errs.IsForbidden(err):
		return http.StatusForbidden
	case isConflict(err):
		return http.StatusConflict
	case errs.IsValidation(err):
		return http.StatusBadRequest
	case errs.IsProvider(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isConflict(err error) bool {
	for _, c := range conflicts {
		if errors.Is(err, c) {
			return true
		}
	}
	return false
}

func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error()}
	if status == http.StatusInternalServerError {
		body["error"] = "internal error"
	}
	if status == http.StatusBadGateway {
		body["ambiguous"] = errs.IsAmbiguous(err)
	}
	c.JSON(status, body)
}
