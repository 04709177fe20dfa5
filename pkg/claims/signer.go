package claims

import (
	"fmt"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Manifest describes the claims to embed when signing.
type Manifest struct {
	Name       string
	Caps       []string
	ContractID string
	Rev        int
	Ver        string
	Tags       []string
	IssuedAt   time.Time
	ExpiresIn  time.Duration
}

// Signer issues manifests on behalf of an issuer account.
type Signer struct {
	issuer *KeyPair
}

// NewSigner creates a signer; issuer must be an account key.
func NewSigner(issuer *KeyPair) (*Signer, error) {
	if issuer.Kind != domain.KindIssuer {
		return nil, fmt.Errorf("signer key must be an issuer account, got %s", issuer.Kind)
	}
	return &Signer{issuer: issuer}, nil
}

// Issuer returns the identity that signs manifests.
func (s *Signer) Issuer() domain.Identity {
	return s.issuer.Identity()
}

// Sign produces a manifest for subject.
func (s *Signer) Sign(subject domain.Identity, m Manifest) ([]byte, error) {
	issued := m.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   string(s.issuer.Identity()),
			Subject:  string(subject),
			IssuedAt: jwt.NewNumericDate(issued),
			ID:       uuid.NewString(),
		},
		Wascap: capabilities{
			Name:       m.Name,
			Caps:       m.Caps,
			ContractID: m.ContractID,
			Rev:        m.Rev,
			Ver:        m.Ver,
			Tags:       m.Tags,
		},
	}
	if m.ExpiresIn > 0 {
		tc.ExpiresAt = jwt.NewNumericDate(issued.Add(m.ExpiresIn))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, tc).SignedString(s.issuer.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to sign manifest: %w", err)
	}
	return []byte(token), nil
}
