package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrConnectionLost marks failures that are not per-symbol: rejected
// credentials or an unreachable terminal. The batch loop must abort on it.
var ErrConnectionLost = errors.New("provider: connection lost")

// TransientError wraps failures worth retrying: timeouts, rate-limit
// rejections, upstream 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// SymbolError is the FetchFailed outcome: a single symbol could not be
// fetched or stored. It never aborts the run by itself.
type SymbolError struct {
	Symbol string
	Reason string
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("symbol %s: %s", e.Symbol, e.Reason)
}

// IsTransient reports whether err is worth a local retry.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsFatal reports whether err must abort the batch loop entirely.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
