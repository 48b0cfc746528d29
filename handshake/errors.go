package handshake

import "errors"

// Every failure returned by this package wraps exactly one of these, with
// the lower level cause (noise, cookie or replay error) attached as well.
var (
	ErrMalformedMessage      = errors.New("handshake: malformed message")
	ErrAuthenticationFailed  = errors.New("handshake: authentication failed")
	ErrDecryptionFailed      = errors.New("handshake: decryption failed")
	ErrReplayRejected        = errors.New("handshake: replayed initiation")
	ErrRandomnessUnavailable = errors.New("handshake: random source unavailable")
	ErrInvalidState          = errors.New("handshake: invalid state")
	ErrUnknownPeer           = errors.New("handshake: unknown peer")

	// ErrLoadShedRequired is not a failure: the initiation must be answered
	// with a cookie reply instead of a response.
	ErrLoadShedRequired = errors.New("handshake: load shed required")
)
