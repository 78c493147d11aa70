package broadcast

import (
	"net/http"

	"voicecast/internal/limits"
)

// Rejection codes returned to callers.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyReplied  = "ALREADY_REPLIED"
	CodeDailyLimit      = limits.ReasonDailyLimit
	CodeHourlyLimit     = limits.ReasonHourlyLimit
	CodeCooldown        = limits.ReasonCooldown
	CodePaymentRequired = "PAYMENT_REQUIRED"
	CodeInternal        = "INTERNAL_ERROR"
)

// Kind groups rejection codes by how a caller should react.
type Kind string

// Rejection kinds.
const (
	KindValidation  Kind = "validation"
	KindEligibility Kind = "eligibility"
	KindLimit       Kind = "limit"
	KindPayment     Kind = "payment"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindInternal    Kind = "internal"
)

const internalDetail = "something went wrong, please try again later"

// Rejection is the structured failure of a broadcast operation. Expected
// outcomes (validation, limits, payment) and unexpected ones alike are
// returned as *Rejection; match with errors.As.
type Rejection struct {
	Code   string
	Detail string

	// Limit is set for limit rejections.
	Limit *limits.LimitInfo
	// BalanceNeeded and CurrentBalance are set for payment rejections.
	BalanceNeeded  int64
	CurrentBalance int64

	// Err is the underlying cause of an internal error. Never shown to callers.
	Err error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return r.Code + ": " + r.Detail + ": " + r.Err.Error()
	}
	return r.Code + ": " + r.Detail
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Kind classifies the rejection.
func (r *Rejection) Kind() Kind {
	switch r.Code {
	case CodeValidation:
		return KindValidation
	case CodeForbidden:
		return KindEligibility
	case CodeNotFound:
		return KindNotFound
	case CodeAlreadyReplied:
		return KindConflict
	case CodeDailyLimit, CodeHourlyLimit, CodeCooldown:
		return KindLimit
	case CodePaymentRequired:
		return KindPayment
	default:
		return KindInternal
	}
}

// HTTPStatus maps the rejection to a status code.
func (r *Rejection) HTTPStatus() int {
	switch r.Kind() {
	case KindValidation:
		return http.StatusBadRequest
	case KindEligibility:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindLimit:
		return http.StatusTooManyRequests
	case KindPayment:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether repeating the same call may succeed without any
// other change: after the limit window passes, or after a transient failure.
func (r *Rejection) Retryable() bool {
	k := r.Kind()
	return k == KindLimit || k == KindInternal
}

func reject(code, detail string) *Rejection {
	return &Rejection{Code: code, Detail: detail}
}

func internalError(err error) *Rejection {
	return &Rejection{Code: CodeInternal, Detail: internalDetail, Err: err}
}
