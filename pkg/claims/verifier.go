package claims

import (
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/golang-jwt/jwt/v5"
)

// capabilities is the private "wascap" claim of a manifest.
type capabilities struct {
	Name       string   `json:"name,omitempty"`
	Caps       []string `json:"caps,omitempty"`
	ContractID string   `json:"contract_id,omitempty"`
	Rev        int      `json:"rev,omitempty"`
	Ver        string   `json:"ver,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Wascap capabilities `json:"wascap"`
}

// Verifier validates manifests against a set of trust anchors.
type Verifier struct {
	anchors map[domain.Identity]struct{}
	now     func() time.Time
}

// Option configures the Verifier.
type Option func(*Verifier)

// WithTrustAnchors restricts accepted issuers. An empty set accepts any
// well-formed issuer account.
func WithTrustAnchors(ids ...domain.Identity) Option {
	return func(v *Verifier) {
		for _, id := range ids {
			v.anchors[id] = struct{}{}
		}
	}
}

// WithClock sets the time source used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a Verifier.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		anchors: make(map[domain.Identity]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the manifest and returns its claims. Failures wrap one of
// domain.ErrClaimsMalformed, ErrClaimsSignature, ErrClaimsIssuerUntrusted
// or ErrClaimsExpired.
func (v *Verifier) Verify(manifest []byte) (domain.Claims, error) {
	var tc tokenClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
	)
	_, err := parser.ParseWithClaims(string(manifest), &tc, v.issuerKey)
	if err != nil {
		return domain.Claims{}, classify(err)
	}

	subject := domain.Identity(tc.Subject)
	if _, err := PublicKey(subject, subject.Kind()); err != nil || !(subject.IsActor() || subject.IsProvider()) {
		return domain.Claims{}, fmt.Errorf("%w: subject %q is not an actor or provider", domain.ErrClaimsMalformed, tc.Subject)
	}
	if subject.IsProvider() && tc.Wascap.ContractID == "" {
		return domain.Claims{}, fmt.Errorf("%w: provider manifest without contract id", domain.ErrClaimsMalformed)
	}

	out := domain.Claims{
		Subject:    subject,
		Issuer:     domain.Identity(tc.Issuer),
		Name:       tc.Wascap.Name,
		Caps:       tc.Wascap.Caps,
		ContractID: tc.Wascap.ContractID,
		Revision:   tc.Wascap.Rev,
		Version:    tc.Wascap.Ver,
		Tags:       tc.Wascap.Tags,
		ID:         tc.ID,
	}
	if tc.IssuedAt != nil {
		out.IssuedAt = tc.IssuedAt.UTC()
	}
	if tc.ExpiresAt != nil {
		out.Expires = tc.ExpiresAt.UTC()
	}
	return out, nil
}

// VerifyKind verifies the manifest and requires the subject to be of kind.
func (v *Verifier) VerifyKind(manifest []byte, kind domain.Kind) (domain.Claims, error) {
	c, err := v.Verify(manifest)
	if err != nil {
		return c, err
	}
	if c.Subject.Kind() != kind {
		return domain.Claims{}, fmt.Errorf("%w: expected %s manifest, got %s", domain.ErrClaimsMalformed, kind, c.Subject.Kind())
	}
	return c, nil
}

var errUntrusted = errors.New("issuer not in trust anchors")

func (v *Verifier) issuerKey(token *jwt.Token) (any, error) {
	tc, ok := token.Claims.(*tokenClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	issuer := domain.Identity(tc.Issuer)
	key, err := PublicKey(issuer, domain.KindIssuer)
	if err != nil {
		return nil, err
	}
	if len(v.anchors) > 0 {
		if _, trusted := v.anchors[issuer]; !trusted {
			return nil, errUntrusted
		}
	}
	return key, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, errUntrusted):
		return fmt.Errorf("%w: %v", domain.ErrClaimsIssuerUntrusted, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", domain.ErrClaimsSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", domain.ErrClaimsExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		// Outside the validity window on the early side.
		return fmt.Errorf("%w: not yet valid: %v", domain.ErrClaimsExpired, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrClaimsMalformed, err)
	}
}
