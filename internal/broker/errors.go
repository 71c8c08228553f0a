package broker

import "errors"

// Error taxonomy shared by every adapter and the router. Adapters wrap
// these sentinels with fmt.Errorf("...: %w", ...) so callers classify with
// errors.Is while keeping the broker-specific detail in the message.
var (
	// ErrValidation marks a request rejected locally before any network call.
	ErrValidation = errors.New("validation failed")

	// ErrAuthRequired marks a missing or expired session. The router retries
	// the call once after a transparent re-authentication.
	ErrAuthRequired = errors.New("authentication required")

	// ErrBrokerRejected marks an explicit broker-side decline of a read call.
	// Mutating calls report declines in OrderResult, not as errors.
	ErrBrokerRejected = errors.New("broker rejected")

	// ErrAmbiguous marks a mutating call whose broker-side effect is unknown.
	// It is never retried automatically; reconcile via FetchOrderStatus.
	ErrAmbiguous = errors.New("ambiguous order outcome")

	// ErrTransient marks a read-only call that failed on the transport and
	// may be retried with bounded backoff.
	ErrTransient = errors.New("transient network failure")

	// ErrUpstreamDown marks a streaming source that stayed unreachable past
	// the reconnect budget. Subscribers see a marker tick, not silence.
	ErrUpstreamDown = errors.New("upstream down")
)

// IsAmbiguous reports whether err classifies as an ambiguous mutation outcome.
func IsAmbiguous(err error) bool { return errors.Is(err, ErrAmbiguous) }

// IsTransient reports whether err is retryable for read-only calls.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsAuthRequired reports whether err calls for a re-authentication.
func IsAuthRequired(err error) bool { return errors.Is(err, ErrAuthRequired) }
