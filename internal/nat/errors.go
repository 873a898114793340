package nat

import "errors"

// Terminal failure causes, one per pipeline phase that can fail. The
// orchestrator wraps these with context from the phase that produced them;
// callers discriminate with errors.Is.
var (
	ErrSignallingConnectionFailed = errors.New("signalling connection failed")
	ErrRegistrationFailed         = errors.New("registration failed")
	ErrStunFailed                 = errors.New("stun discovery failed")
	ErrHolePunchTimeout           = errors.New("udp hole punch timeout")
	ErrSimultaneousOpenTimeout    = errors.New("tcp simultaneous open timeout")
	ErrProtocolViolation          = errors.New("protocol violation")
	ErrInvalidConfiguration       = errors.New("invalid configuration")
)
