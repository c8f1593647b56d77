package settlement

import (
	"errors"
	"strings"
)

// ErrInsufficientFunds marks a send the treasury cannot cover. It is never
// retried.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrRetriesExhausted is returned when every send attempt was used up.
var ErrRetriesExhausted = errors.New("send retries exhausted")

var retryableFragments = []string{
	"timed out",
	"timeout",
	"econnreset",
	"connection reset",
	"socket hang up",
	"fetch failed",
	"temporarily unavailable",
	"too many requests",
	"429",
	"503",
	"gateway",
	"rate limit",
}

func isRetryable(msg string) bool {
	m := strings.ToLower(msg)
	for _, f := range retryableFragments {
		if strings.Contains(m, f) {
			return true
		}
	}
	return false
}

func isInsufficientFunds(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "insufficient funds")
}

func isNonceTooLow(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "nonce too low")
}

func isAlreadyKnown(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "already known")
}
