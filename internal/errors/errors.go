package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Transient errors indicate temporary conditions that a later attempt may clear.

// ErrTransientConnection indicates the backend or the secret store could not be
// reached (timeouts, refused connections, DNS failures).
var ErrTransientConnection = errors.New("transient connection error")

// Lookup misses. Diff-checkers turn these into classifications instead of
// surfacing them.

// ErrNotFoundInBackend indicates the backend answered but does not know the entity.
var ErrNotFoundInBackend = errors.New("not found in backend")

// ErrNotFoundInStore indicates the secret store holds no record for the entity.
var ErrNotFoundInStore = errors.New("not found in secret store")

// Permanent errors require an operator to act before reconciliation can progress.

// ErrInvalidConfiguration indicates a declared-entity file is unreadable or malformed.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ErrKeysExhausted indicates every unseal key share was submitted and the
// backend still reports itself sealed.
var ErrKeysExhausted = errors.New("unseal keys exhausted while still sealed")

// ErrDecodeFailure indicates a credential payload on disk or on the wire could not be decoded.
var ErrDecodeFailure = errors.New("decode failure")

// TransportError describes a failed call to a backend. StatusCode is zero when
// no HTTP response was received.
type TransportError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s request failed with status %d: %v", e.Backend, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Backend, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Responded reports whether the backend produced an HTTP response.
func (e *TransportError) Responded() bool {
	return e.StatusCode != 0
}

// NewTransportError builds a TransportError. Connection-level failures (no status
// code) are additionally marked as transient.
func NewTransportError(backend string, statusCode int, err error) error {
	if err == nil {
		err = errors.New("unexpected response")
	}
	te := &TransportError{Backend: backend, StatusCode: statusCode, Err: err}
	if statusCode == 0 && IsTransientConnection(err) {
		return fmt.Errorf("%w: %w", ErrTransientConnection, te)
	}
	return te
}

// AsTransport extracts a TransportError from err.
func AsTransport(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsBackendResponse reports whether err carries an HTTP error response from the
// backend, as opposed to a failure to reach it at all.
func IsBackendResponse(err error) bool {
	if errors.Is(err, ErrNotFoundInBackend) {
		return true
	}
	te, ok := AsTransport(err)
	return ok && te.Responded()
}

// IsTransientConnection checks if an error is a transient connection error.
func IsTransientConnection(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransientConnection) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"no such host",
		"network is unreachable",
		"broken pipe",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// WrapTransientConnection wraps an error as a transient connection error.
// If the error is already a transient connection error, it is returned as-is.
func WrapTransientConnection(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientConnection) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientConnection, err)
}

// WrapInvalidConfiguration wraps an error as an invalid configuration error.
func WrapInvalidConfiguration(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
}

// WrapDecodeFailure wraps an error as a decode failure.
func WrapDecodeFailure(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDecodeFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDecodeFailure, err)
}

// IsTransient checks if an error is transient (a later attempt may succeed).
// Backend responses with 429 or 5xx status codes count as transient.
func IsTransient(err error) bool {
	if IsTransientConnection(err) {
		return true
	}
	if te, ok := AsTransport(err); ok {
		return te.StatusCode == 429 || te.StatusCode >= 500
	}
	return false
}

// IsPermanent checks if an error requires operator attention.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrKeysExhausted) ||
		errors.Is(err, ErrDecodeFailure)
}

// Reason maps an error to a short, stable label suitable for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidConfiguration):
		return "InvalidConfiguration"
	case errors.Is(err, ErrKeysExhausted):
		return "KeysExhausted"
	case errors.Is(err, ErrDecodeFailure):
		return "DecodeFailure"
	case errors.Is(err, ErrNotFoundInBackend):
		return "NotFoundInBackend"
	case errors.Is(err, ErrNotFoundInStore):
		return "NotFoundInStore"
	case IsTransientConnection(err):
		return "TransientConnection"
	}
	if _, ok := AsTransport(err); ok {
		return "Transport"
	}
	return "Unknown"
}
