// Package failure turns raw authentication failure signals into a closed
// taxonomy and watches for the one pattern that indicates systemic
// misconfiguration rather than ordinary token staleness.
package failure

import (
	"net/http"
	"time"
)

// Reason is the closed set of authentication failure causes.
type Reason string

const (
	ReasonMissingToken         Reason = "missing_token"
	ReasonForbidden            Reason = "forbidden_403"
	ReasonRefreshFailed        Reason = "refresh_failed"
	ReasonRetry401AfterRefresh Reason = "retry_401_after_refresh"
	ReasonUnauthorized         Reason = "unauthorized_401"
	ReasonOther                Reason = "other"
)

// Classify maps a request's final failure signals to exactly one Reason.
// Priority order is fixed, first match wins:
//
//  1. no token at all
//  2. 403 on either attempt (permission problems beat staleness)
//  3. refresh attempted and failed, whatever the statuses were
//  4. still 401 after a successful refresh (strongest misconfiguration signal)
//  5. plain 401
//  6. everything else
//
// refreshSucceeded is only meaningful when refreshAttempted is true. A status
// of 0 means that attempt never produced an HTTP response.
func Classify(hasToken bool, status, retryStatus int, refreshAttempted, refreshSucceeded bool) Reason {
	switch {
	case !hasToken:
		return ReasonMissingToken
	case status == http.StatusForbidden || retryStatus == http.StatusForbidden:
		return ReasonForbidden
	case refreshAttempted && !refreshSucceeded:
		return ReasonRefreshFailed
	case refreshAttempted && retryStatus == http.StatusUnauthorized:
		return ReasonRetry401AfterRefresh
	case status == http.StatusUnauthorized || retryStatus == http.StatusUnauthorized:
		return ReasonUnauthorized
	default:
		return ReasonOther
	}
}

// Record is one classified authentication failure event.
type Record struct {
	Timestamp        time.Time
	Reason           Reason
	RequestID        string
	Method           string
	Path             string
	Status           int
	RetryStatus      int
	RefreshAttempted bool
	RefreshSucceeded *bool
	Detail           string
}
