// Package errs holds the sentinel errors shared by the relay components.
// Callers wrap them with fmt.Errorf("%w: ...") and match with errors.Is.
package errs

import "errors"

// Envelope codec.
var (
	ErrMalformedEnvelope     = errors.New("malformed envelope")
	ErrInvalidAuthPayload    = errors.New("invalid auth payload")
	ErrInvalidProfilePayload = errors.New("invalid profile payload")
	ErrInvalidMessagePayload = errors.New("invalid message payload")
)

// Session lifecycle.
var (
	ErrAlreadyAuthenticated   = errors.New("session already authenticated")
	ErrSessionClosed          = errors.New("session closed")
	ErrSendOnClosedConnection = errors.New("send on closed connection")
)

// Identity verification.
var (
	ErrExpiredCredential       = errors.New("expired credential")
	ErrMalformedCredential     = errors.New("malformed credential")
	ErrVerificationUnavailable = errors.New("identity verification unavailable")
	ErrTooManyAuthAttempts     = errors.New("too many authentication attempts")
)

// Routing and transport.
var (
	ErrNotAuthenticated  = errors.New("session not authenticated")
	ErrIdentityMismatch  = errors.New("sender profile does not match session profile")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrHandshakeRejected = errors.New("handshake rejected")
)

// IsAuthError reports whether err is one of the credential verification
// failures that leave a session in the authenticating state.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrExpiredCredential) ||
		errors.Is(err, ErrMalformedCredential) ||
		errors.Is(err, ErrVerificationUnavailable)
}
