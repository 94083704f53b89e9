// Package coreerrors defines the closed set of error kinds the core
// classifies upstream and credential failures into. Every kind is a
// tagged struct type, never a bare string or sentinel value; string
// matching is used only as the documented last resort for transport
// errors that arrive without a structured code.
package coreerrors

import (
	"errors"
	"fmt"
)

func as[T error](err error, target *T) bool {
	return errors.As(err, target)
}

// RateLimited means the upstream rejected a request for model M on account
// email with a (possibly unknown) reset delay.
type RateLimited struct {
	Email   string
	Model   string
	ResetMs int64 // -1 if the upstream gave no usable reset hint
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("account %s rate-limited for model %s (reset in %dms)", e.Email, e.Model, e.ResetMs)
}

// AuthInvalid means the credential for Email is permanently bad and the
// account must be marked invalid.
type AuthInvalid struct {
	Email  string
	Reason string
}

func (e *AuthInvalid) Error() string {
	return fmt.Sprintf("account %s auth invalid: %s", e.Email, e.Reason)
}

// AuthNetwork means a token refresh or project discovery failed for
// transport reasons; the account is not penalized.
type AuthNetwork struct {
	Cause error
}

func (e *AuthNetwork) Error() string { return fmt.Sprintf("auth network error: %v", e.Cause) }
func (e *AuthNetwork) Unwrap() error { return e.Cause }

// NoAccounts means no account is currently selectable.
type NoAccounts struct {
	AllRateLimited bool
}

func (e *NoAccounts) Error() string {
	if e.AllRateLimited {
		return "no accounts available: all rate-limited"
	}
	return "no accounts available"
}

// MaxRetries means the dispatch loop exhausted its retry budget.
type MaxRetries struct {
	Attempts int
}

func (e *MaxRetries) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts", e.Attempts)
}

// Upstream wraps a raw upstream HTTP failure that didn't classify into one
// of the more specific kinds above.
type Upstream struct {
	StatusCode int
	ErrorType  string
	Retryable  bool
	Message    string
}

func (e *Upstream) Error() string {
	return fmt.Sprintf("upstream error %d (%s): %s", e.StatusCode, e.ErrorType, e.Message)
}

// EmptyResponse means a stream completed without ever opening a content
// block — a distinguished condition the dispatcher retries on (§4.4).
type EmptyResponse struct {
	Model string
}

func (e *EmptyResponse) Error() string {
	return fmt.Sprintf("empty response from upstream for model %s", e.Model)
}

// IsRateLimited reports whether err is (or wraps) a RateLimited.
func IsRateLimited(err error) (*RateLimited, bool) {
	var r *RateLimited
	if as(err, &r) {
		return r, true
	}
	return nil, false
}

// IsAuthInvalid reports whether err is (or wraps) an AuthInvalid.
func IsAuthInvalid(err error) (*AuthInvalid, bool) {
	var a *AuthInvalid
	if as(err, &a) {
		return a, true
	}
	return nil, false
}

// IsAuthNetwork reports whether err is (or wraps) an AuthNetwork.
func IsAuthNetwork(err error) (*AuthNetwork, bool) {
	var a *AuthNetwork
	if as(err, &a) {
		return a, true
	}
	return nil, false
}

// IsNoAccounts reports whether err is (or wraps) a NoAccounts.
func IsNoAccounts(err error) (*NoAccounts, bool) {
	var n *NoAccounts
	if as(err, &n) {
		return n, true
	}
	return nil, false
}

// IsMaxRetries reports whether err is (or wraps) a MaxRetries.
func IsMaxRetries(err error) (*MaxRetries, bool) {
	var m *MaxRetries
	if as(err, &m) {
		return m, true
	}
	return nil, false
}

// IsUpstream reports whether err is (or wraps) an Upstream.
func IsUpstream(err error) (*Upstream, bool) {
	var u *Upstream
	if as(err, &u) {
		return u, true
	}
	return nil, false
}

// IsEmptyResponse reports whether err is (or wraps) an EmptyResponse.
func IsEmptyResponse(err error) (*EmptyResponse, bool) {
	var e *EmptyResponse
	if as(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a classified error to the status code the HTTP entrypoint
// should render to the client, per SPEC_FULL.md §7.
func HTTPStatus(err error) int {
	if _, ok := IsRateLimited(err); ok {
		return 429
	}
	if _, ok := IsAuthInvalid(err); ok {
		return 401
	}
	if _, ok := IsNoAccounts(err); ok {
		return 503
	}
	return 500
}

// Kind returns the snake_case error kind used in the client-visible envelope.
func Kind(err error) string {
	switch {
	case isKind[*RateLimited](err):
		return "rate_limit_error"
	case isKind[*AuthInvalid](err):
		return "authentication_error"
	case isKind[*AuthNetwork](err):
		return "api_error"
	case isKind[*NoAccounts](err):
		return "overloaded_error"
	case isKind[*MaxRetries](err):
		return "api_error"
	case isKind[*Upstream](err):
		return "api_error"
	default:
		return "api_error"
	}
}

func isKind[T error](err error) bool {
	var target T
	return as(err, &target)
}
