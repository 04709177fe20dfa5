package claims

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"fmt"

	"github.com/aretw0/lattice/pkg/domain"
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

const seedPrefix = 'S'

// EncodeIdentity derives the identity for a public key of the given kind.
func EncodeIdentity(kind domain.Kind, pub ed25519.PublicKey) domain.Identity {
	return domain.Identity(string(rune(kind)) + b32.EncodeToString(pub))
}

// PublicKey decodes the Ed25519 key embedded in id and checks its kind.
func PublicKey(id domain.Identity, want domain.Kind) (ed25519.PublicKey, error) {
	if id.Kind() != want {
		return nil, fmt.Errorf("identity %q is not a %s identity", id, want)
	}
	raw, err := b32.DecodeString(string(id[1:]))
	if err != nil {
		return nil, fmt.Errorf("identity %q: %w", id, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity %q: unexpected key length %d", id, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ParseIdentity validates an identity string of any known kind.
func ParseIdentity(s string) (domain.Identity, error) {
	id := domain.Identity(s)
	if id.Kind() == domain.KindUnknown {
		return "", fmt.Errorf("identity %q has unknown kind prefix", s)
	}
	if _, err := PublicKey(id, id.Kind()); err != nil {
		return "", err
	}
	return id, nil
}

// KeyPair is a signing key with its derived identity.
type KeyPair struct {
	Kind    domain.Kind
	Private ed25519.PrivateKey
}

// NewKeyPair generates a fresh key of the given kind.
func NewKeyPair(kind domain.Kind) (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Kind: kind, Private: priv}, nil
}

// KeyPairFromSeed rebuilds a key from an encoded seed (see Seed).
func KeyPairFromSeed(encoded string) (*KeyPair, error) {
	if len(encoded) < 3 || encoded[0] != seedPrefix {
		return nil, fmt.Errorf("malformed seed")
	}
	kind := domain.Kind(encoded[1])
	if domain.Identity(encoded[1:]).Kind() == domain.KindUnknown {
		return nil, fmt.Errorf("seed has unknown kind %q", encoded[1])
	}
	raw, err := b32.DecodeString(encoded[2:])
	if err != nil || len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("malformed seed")
	}
	return &KeyPair{Kind: kind, Private: ed25519.NewKeyFromSeed(raw)}, nil
}

// Identity returns the public identity of the key.
func (k *KeyPair) Identity() domain.Identity {
	return EncodeIdentity(k.Kind, k.Private.Public().(ed25519.PublicKey))
}

// Seed encodes the private seed for storage in configuration.
func (k *KeyPair) Seed() string {
	return string([]rune{seedPrefix, rune(k.Kind)}) + b32.EncodeToString(k.Private.Seed())
}
