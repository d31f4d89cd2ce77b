package bitunix

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorClass classifies a Bitunix API failure so callers can decide
// whether to retry, abort, or surface the failure without parsing
// error strings. The order tracker's retry policy and the lifecycle
// manager's compensation paths both branch on this.
type ErrorClass int

const (
	ErrClassOther ErrorClass = iota
	ErrClassNetwork
	ErrClassRateLimit
	ErrClassInsufficientBalance
	ErrClassUnknownOrder
	ErrClassInvalidOrder
)

func (c ErrorClass) String() string {
	switch c {
	case ErrClassNetwork:
		return "network"
	case ErrClassRateLimit:
		return "rate_limit"
	case ErrClassInsufficientBalance:
		return "insufficient_balance"
	case ErrClassUnknownOrder:
		return "unknown_order"
	case ErrClassInvalidOrder:
		return "invalid_order"
	default:
		return "other"
	}
}

// APIError is a classified exchange rejection, carrying the original
// response code and message.
type APIError struct {
	Class   ErrorClass
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("bitunix: %s: %s", e.Class, e.Message)
	}
	return fmt.Sprintf("bitunix: %s (code=%d): %s", e.Class, e.Code, e.Message)
}

// ClassOf reports err's ErrorClass, ErrClassOther if err is nil or not
// an *APIError.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ErrClassOther
}

// rateLimitCodes and the rest below are taken from Bitunix's published
// futures trading error reference. Codes outside this table still get
// classified by matching resp.Msg, since the reference is not
// exhaustive and the exchange occasionally reuses a generic code with
// a specific message.
var (
	rateLimitCodes           = map[int]bool{10007: true, 10008: true}
	insufficientBalanceCodes = map[int]bool{20003: true, 20004: true}
	unknownOrderCodes        = map[int]bool{20009: true, 40004: true}
	invalidOrderCodes        = map[int]bool{10001: true, 20001: true, 20002: true}
)

// classifyCode maps an exchange response code/message pair to an
// ErrorClass.
func classifyCode(code int, msg string) ErrorClass {
	switch {
	case rateLimitCodes[code]:
		return ErrClassRateLimit
	case insufficientBalanceCodes[code]:
		return ErrClassInsufficientBalance
	case unknownOrderCodes[code]:
		return ErrClassUnknownOrder
	case invalidOrderCodes[code]:
		return ErrClassInvalidOrder
	}
	return classifyMessage(msg)
}

func classifyMessage(msg string) ErrorClass {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return ErrClassRateLimit
	case strings.Contains(lower, "insufficient") && (strings.Contains(lower, "balance") || strings.Contains(lower, "margin")):
		return ErrClassInsufficientBalance
	case strings.Contains(lower, "order not found") || strings.Contains(lower, "does not exist") || strings.Contains(lower, "no such order"):
		return ErrClassUnknownOrder
	case strings.Contains(lower, "invalid"):
		return ErrClassInvalidOrder
	default:
		return ErrClassOther
	}
}

// classifyHTTPStatus classifies a plain HTTP status code from the
// unauthenticated market-data endpoints, which don't wrap responses in
// the {code,msg} envelope the signed account/trading endpoints use.
func classifyHTTPStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrClassRateLimit
	case status >= 500:
		return ErrClassNetwork
	case status == 404:
		return ErrClassUnknownOrder
	case status == 400:
		return ErrClassInvalidOrder
	default:
		return ErrClassOther
	}
}

// classifyTransportErr reclassifies a transport-level failure (one
// that never reached the exchange) as network-class, so callers can
// tell "the exchange said no" from "we couldn't even ask".
func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &APIError{Class: ErrClassNetwork, Message: err.Error()}
	}
	return err
}
