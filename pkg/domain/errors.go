package domain

import (
	"errors"
	"fmt"
)

// ErrClaims is the parent of every manifest verification failure.
var ErrClaims = errors.New("claims verification failed")

var (
	ErrClaimsMalformed       = fmt.Errorf("%w: malformed manifest", ErrClaims)
	ErrClaimsSignature       = fmt.Errorf("%w: signature invalid", ErrClaims)
	ErrClaimsIssuerUntrusted = fmt.Errorf("%w: issuer untrusted", ErrClaims)
	ErrClaimsExpired         = fmt.Errorf("%w: manifest expired", ErrClaims)
)

// ErrPolicyDenied is returned when the policy gate refuses an action.
var ErrPolicyDenied = errors.New("not authorized")

// ErrDuplicateInstance is returned when an instance already exists.
// For providers the existing instance is returned alongside it.
var ErrDuplicateInstance = errors.New("already exists")

// ErrTargetUnavailable is returned when no reachable instance or active link exists.
var ErrTargetUnavailable = errors.New("target unavailable")

// ErrNotFound is returned when a requested entity is unknown.
var ErrNotFound = errors.New("not found")

// ErrTimeout is returned when a bus round trip does not complete in time.
var ErrTimeout = errors.New("timed out")

// ErrLinkDeliveryFailed is returned when a provider rejects or misses a binding.
var ErrLinkDeliveryFailed = errors.New("link delivery failed")

// ErrTransport is returned when the lattice bus is unusable.
var ErrTransport = errors.New("transport error")

// ErrNoResponders is returned by a request with no subscriber on the subject.
var ErrNoResponders = fmt.Errorf("%w: no responders", ErrTargetUnavailable)

// ErrInvalidLink is returned for structurally invalid link definitions.
var ErrInvalidLink = errors.New("invalid link definition")
