package payment

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/stripe/stripe-go/v82"
)

// IsRetryable reports whether err is likely to clear up on its own:
// provider 5xx, rate limiting, lock contention, or a network blip.
// Card errors are not retryable until the customer acts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return isRetryableStripeError(err) || isRetryableNetworkError(err)
}

func isRetryableStripeError(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.HTTPStatusCode >= 500 && se.HTTPStatusCode < 600 {
		return true
	}
	switch se.Code {
	case stripe.ErrorCodeRateLimit, stripe.ErrorCodeLockTimeout:
		return true
	}
	return false
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// Describe turns a provider error into a short reason fit for a customer email.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		msg := se.Msg
		if msg == "" {
			msg = string(se.Code)
		}
		if msg == "" {
			msg = string(se.Type)
		}
		if se.DeclineCode != "" {
			return fmt.Sprintf("%s (%s)", msg, se.DeclineCode)
		}
		return msg
	}
	if isRetryableNetworkError(err) {
		return "payment provider unreachable"
	}
	return err.Error()
}
