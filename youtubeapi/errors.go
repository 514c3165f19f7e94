package youtubeapi

import (
	"context"
	"errors"
	"net"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// ErrorClass buckets gateway failures by the action the worker must take.
type ErrorClass int

const (
	// ClassNone means no error.
	ClassNone ErrorClass = iota
	// ClassRateLimited: the platform refused for quota/rate reasons. The
	// worker requeues the job and pauses globally.
	ClassRateLimited
	// ClassAuthInvalid: the stored credential is revoked or expired beyond
	// refresh. The channel must be disconnected and relinked.
	ClassAuthInvalid
	// ClassTransientNetwork: timeouts, connection resets, 5xx. Retry later.
	ClassTransientNetwork
	// ClassFatal: the request itself can never succeed (deleted comment,
	// comments disabled, malformed text). The job fails permanently.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRateLimited:
		return "rate_limited"
	case ClassAuthInvalid:
		return "auth_invalid"
	case ClassTransientNetwork:
		return "transient_network"
	default:
		return "fatal"
	}
}

// ErrNoCredential means the channel has no stored credential or was flagged
// disconnected. Treated like a revoked credential by callers.
var ErrNoCredential = errors.New("no usable channel credential")

// rate-limit reasons the API reports inside 403 responses. Checked before
// the status code because quota errors share 403 with real permission errors.
var rateLimitReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

var authReasons = map[string]bool{
	"authError":          true,
	"unauthorized":       true,
	"forbidden":          false, // plain forbidden is fatal, not an auth revocation
	"invalidCredentials": true,
	"expired":            true,
}

// Classify maps an error from the YouTube API (or the OAuth token source)
// onto the class that drives the worker's dispatch.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	if errors.Is(err, ErrNoCredential) {
		return ClassAuthInvalid
	}

	// Context cancellation is shutdown, not a platform failure.
	if errors.Is(err, context.Canceled) {
		return ClassTransientNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransientNetwork
	}

	// Token refresh failures surface as oauth2.RetrieveError. invalid_grant
	// means the user revoked access; anything 5xx-ish is transient.
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" ||
			retrieveErr.Response != nil && retrieveErr.Response.StatusCode == 401 {
			return ClassAuthInvalid
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return ClassTransientNetwork
		}
		return ClassAuthInvalid
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		for _, e := range apiErr.Errors {
			if rateLimitReasons[e.Reason] {
				return ClassRateLimited
			}
		}
		switch {
		case apiErr.Code == 401:
			return ClassAuthInvalid
		case apiErr.Code == 403:
			for _, e := range apiErr.Errors {
				if authReasons[e.Reason] {
					return ClassAuthInvalid
				}
			}
			return ClassFatal
		case apiErr.Code == 429:
			return ClassRateLimited
		case apiErr.Code >= 500:
			return ClassTransientNetwork
		default:
			return ClassFatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransientNetwork
	}

	// Fall back to message matching for wrapped transport errors.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid_grant"):
		return ClassAuthInvalid
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporary"),
		strings.Contains(msg, "eof"):
		return ClassTransientNetwork
	}
	return ClassFatal
}
