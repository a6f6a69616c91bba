package api

import (
	"errors"
	"net/http"

	"github.com/hazyhaar/domsteer/connectivity"
	"github.com/hazyhaar/domsteer/driver"
	"github.com/hazyhaar/domsteer/engine"
	"github.com/hazyhaar/domsteer/session"
	"github.com/hazyhaar/domsteer/snapshot"
)

// Error codes carried in the error envelope. Remote callers branch on
// these, never on message text.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeActionNotFound     = "ACTION_NOT_FOUND"
	CodeContainerNotFound  = "CONTAINER_NOT_FOUND"
	CodeSnapshotNotFound   = "SNAPSHOT_NOT_FOUND"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionNotUsable   = "SESSION_NOT_USABLE"
	CodeCapabilityDenied   = "CAPABILITY_DENIED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeRecoveryExhausted  = "RECOVERY_EXHAUSTED"
	CodeDriverUnreachable  = "DRIVER_UNREACHABLE"
	CodeOperationTimeout   = "OPERATION_TIMEOUT"
	CodeOperationPermanent = "OPERATION_PERMANENT"
	CodeUnavailable        = "UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

// Sentinels for failures born in this package. Handlers wrap them with
// call-site context; errorBody classifies by errors.Is.
var (
	errBadRequest        = errors.New("api: bad request")
	errContainerNotFound = errors.New("api: unknown container")
	errSnapshotNotFound  = errors.New("api: unknown snapshot")
	errCapabilityDenied  = errors.New("api: capability not granted")
	errUnavailable       = errors.New("api: not configured")
)

// ErrorBody is the error half of a call envelope: a stable code, a
// human-readable message, and enough detail to resume — step index,
// session state, rate-limit wait hints.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// errorBody classifies err into the envelope taxonomy.
func errorBody(err error) *ErrorBody {
	body := &ErrorBody{Code: CodeInternal, Message: err.Error()}

	var rle *engine.RateLimitedError
	if errors.As(err, &rle) {
		body.Code = CodeRateLimited
		body.Details = map[string]any{
			"key":           rle.Key,
			"waitMs":        rle.WaitMs,
			"countInWindow": rle.CountInWindow,
			"maxCount":      rle.MaxCount,
		}
		return body
	}

	var se *engine.StepError
	if errors.As(err, &se) {
		body.Code = causeCode(se.Err)
		body.Details = map[string]any{
			"stepIndex":    se.StepIndex,
			"kind":         string(se.Kind),
			"sessionState": se.SessionState,
		}
		return body
	}

	var nf *connectivity.ErrActionNotFound
	if errors.As(err, &nf) {
		body.Code = CodeActionNotFound
		return body
	}

	var mb *snapshot.MissingBranchError
	if errors.As(err, &mb) {
		body.Code = CodeBadRequest
		body.Details = map[string]any{"missing": mb.Missing}
		return body
	}

	body.Code = causeCode(err)
	return body
}

// causeCode maps sentinel causes onto codes. Shared between bare
// errors and the cause inside a StepError.
func causeCode(err error) string {
	switch {
	case errors.Is(err, errBadRequest):
		return CodeBadRequest
	case errors.Is(err, errContainerNotFound):
		return CodeContainerNotFound
	case errors.Is(err, errSnapshotNotFound):
		return CodeSnapshotNotFound
	case errors.Is(err, errCapabilityDenied):
		return CodeCapabilityDenied
	case errors.Is(err, errUnavailable):
		return CodeUnavailable
	case errors.Is(err, session.ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, session.ErrNotUsable):
		return CodeSessionNotUsable
	case errors.Is(err, session.ErrRecoveryExhausted):
		return CodeRecoveryExhausted
	case errors.Is(err, engine.ErrOperationPermanent):
		return CodeOperationPermanent
	case errors.Is(err, driver.ErrUnreachable):
		return CodeDriverUnreachable
	case errors.Is(err, driver.ErrOperationTimeout):
		return CodeOperationTimeout
	default:
		return CodeInternal
	}
}

// httpStatus maps an error code onto the closest HTTP status.
func httpStatus(code string) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeActionNotFound, CodeContainerNotFound, CodeSnapshotNotFound, CodeSessionNotFound:
		return http.StatusNotFound
	case CodeSessionNotUsable:
		return http.StatusConflict
	case CodeCapabilityDenied:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeOperationPermanent:
		return http.StatusUnprocessableEntity
	case CodeDriverUnreachable, CodeRecoveryExhausted:
		return http.StatusBadGateway
	case CodeOperationTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
