package bridge

import "errors"

// Domain errors for the bridge engine.
var (
	// ErrMissingIdentity is returned when a registration request lacks a
	// valid MAC or token.
	ErrMissingIdentity = errors.New("bridge: missing device identity")

	// ErrNoPendingRegistration is returned when a discovery reply matches no
	// outstanding registration.
	ErrNoPendingRegistration = errors.New("bridge: no pending registration")

	// ErrTokenMismatch is returned when a reply carries a different token
	// from the one the registration was requested with.
	ErrTokenMismatch = errors.New("bridge: token mismatch")

	// ErrReregisterDisabled is returned when an already registered device
	// replies to discovery and re-registration is not allowed.
	ErrReregisterDisabled = errors.New("bridge: re-registration disabled")

	// ErrNoDevice is returned when a message cannot be tied to a device and
	// no placeholder may be created.
	ErrNoDevice = errors.New("bridge: no matching device")
)
