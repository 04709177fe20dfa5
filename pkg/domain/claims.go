package domain

import (
	"slices"
	"time"
)

// Claims is the verified content of a signed actor or provider manifest.
// A Claims value only ever originates from the claims verifier.
type Claims struct {
	Subject    Identity  `json:"subject"`
	Issuer     Identity  `json:"issuer"`
	Name       string    `json:"name,omitempty"`
	Caps       []string  `json:"caps,omitempty"`
	ContractID string    `json:"contract_id,omitempty"`
	Revision   int       `json:"rev,omitempty"`
	Version    string    `json:"ver,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
	Expires    time.Time `json:"expires,omitzero"`
	ID         string    `json:"id,omitempty"`
}

// HasCapability reports whether the claims declare the given contract.
func (c Claims) HasCapability(contractID string) bool {
	return slices.Contains(c.Caps, contractID)
}

// Expired reports whether the claims carry an expiration before now.
func (c Claims) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && now.After(c.Expires)
}
