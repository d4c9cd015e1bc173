package api

import (
	"net/http"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/ops"
)

// httpStatus maps an envelope onto a transport status. The envelope is
// authoritative; the status exists for plain HTTP clients, proxies and
// load balancers that never open the body.
func httpStatus(resp *ops.Response) int {
	if resp.OK {
		return http.StatusOK
	}

	switch resp.ErrorCode {
	case models.ErrCodeMissingParameter, models.ErrCodeInvalidParameterType,
		models.ErrCodeOutOfRange, models.ErrCodeBadInput:
		return http.StatusBadRequest
	case models.ErrCodeAuthRequired, models.ErrCodeAuthFailed,
		models.ErrCodeSessionMismatch:
		return http.StatusUnauthorized
	case models.ErrCodePermissionDenied, models.ErrCodeOwnershipViolation:
		return http.StatusForbidden
	case models.ErrCodeAgentNotFound, models.ErrCodeSessionNotFound,
		models.ErrCodeAgentNotRegistered, models.ErrCodeResourceNotFound:
		return http.StatusNotFound
	case models.ErrCodeAlreadyOpen, models.ErrCodeWrongPhase,
		models.ErrCodeContention, models.ErrCodeConflict, models.ErrCodeUnsafe,
		models.ErrCodeNoReviewer, models.ErrCodeAmbiguousExisting:
		return http.StatusConflict
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case models.ErrCodeUnavailable, models.ErrCodePersistFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
