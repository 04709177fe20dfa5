package testutils

import (
	"testing"

	"github.com/aretw0/lattice/pkg/claims"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/require"
)

// Issuer signs manifests for tests.
type Issuer struct {
	Key    *claims.KeyPair
	Signer *claims.Signer
}

// NewIssuer creates an issuer account with a fresh key.
func NewIssuer(t *testing.T) *Issuer {
	t.Helper()
	key, err := claims.NewKeyPair(domain.KindIssuer)
	require.NoError(t, err)
	signer, err := claims.NewSigner(key)
	require.NoError(t, err)
	return &Issuer{Key: key, Signer: signer}
}

// ID returns the issuer identity.
func (i *Issuer) ID() domain.Identity { return i.Key.Identity() }

// Actor creates a new actor identity and returns it with its signed manifest.
func (i *Issuer) Actor(t *testing.T, name string, caps ...string) (domain.Identity, string) {
	t.Helper()
	key, err := claims.NewKeyPair(domain.KindActor)
	require.NoError(t, err)
	token, err := i.Signer.Sign(key.Identity(), claims.Manifest{Name: name, Caps: caps, Rev: 1, Ver: "0.1.0"})
	require.NoError(t, err)
	return key.Identity(), string(token)
}

// Provider creates a new provider identity implementing contractID.
func (i *Issuer) Provider(t *testing.T, name, contractID string) (domain.Identity, string) {
	t.Helper()
	key, err := claims.NewKeyPair(domain.KindProvider)
	require.NoError(t, err)
	token, err := i.Signer.Sign(key.Identity(), claims.Manifest{Name: name, ContractID: contractID, Rev: 1, Ver: "0.1.0"})
	require.NoError(t, err)
	return key.Identity(), string(token)
}
