package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aretw0/lattice/pkg/claims"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issuerSeed(t *testing.T) (*claims.KeyPair, string) {
	t.Helper()
	key, err := claims.NewKeyPair(domain.KindIssuer)
	require.NoError(t, err)
	return key, key.Seed()
}

func TestSignAndInspect(t *testing.T) {
	issuer, seed := issuerSeed(t)

	res, err := signManifest(signOptions{
		IssuerSeed: seed,
		Kind:       "actor",
		Manifest:   claims.Manifest{Name: "echo", Caps: []string{"wasmcloud:keyvalue"}, Rev: 2},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SubjectSeed)
	assert.True(t, res.Subject.IsActor())

	c, err := inspectManifest(res.Token, []string{issuer.Identity().String()})
	require.NoError(t, err)
	assert.Equal(t, res.Subject, c.Subject)
	assert.Equal(t, issuer.Identity(), c.Issuer)
	assert.Equal(t, "echo", c.Name)
	assert.True(t, c.HasCapability("wasmcloud:keyvalue"))

	other, _ := issuerSeed(t)
	_, err = inspectManifest(res.Token, []string{other.Identity().String()})
	assert.ErrorIs(t, err, domain.ErrClaims)
}

func TestSign_KeepsSubjectSeed(t *testing.T) {
	_, seed := issuerSeed(t)
	subject, err := claims.NewKeyPair(domain.KindProvider)
	require.NoError(t, err)

	res, err := signManifest(signOptions{
		IssuerSeed:  seed,
		SubjectSeed: subject.Seed(),
		Manifest:    claims.Manifest{Name: "kv", ContractID: "wasmcloud:keyvalue"},
	})
	require.NoError(t, err)
	assert.Equal(t, subject.Identity(), res.Subject)
	assert.Empty(t, res.SubjectSeed)
}

func TestSign_Errors(t *testing.T) {
	_, seed := issuerSeed(t)
	actorKey, err := claims.NewKeyPair(domain.KindActor)
	require.NoError(t, err)

	_, err = signManifest(signOptions{Kind: "actor"})
	assert.ErrorContains(t, err, "issuer seed")

	// Only issuer accounts may sign.
	_, err = signManifest(signOptions{IssuerSeed: actorKey.Seed(), Kind: "actor"})
	assert.Error(t, err)

	_, err = signManifest(signOptions{IssuerSeed: seed, Kind: "provider"})
	assert.ErrorContains(t, err, "--contract")

	_, err = signManifest(signOptions{IssuerSeed: seed, Kind: "host"})
	assert.ErrorContains(t, err, "only actors and providers")

	_, err = signManifest(signOptions{IssuerSeed: seed, Kind: "toaster"})
	assert.ErrorContains(t, err, "unknown key kind")
}

func TestReadToken(t *testing.T) {
	tok, err := readToken("a.b.c", nil)
	require.NoError(t, err)
	assert.Equal(t, "a.b.c", tok)

	path := filepath.Join(t.TempDir(), "echo.jwt")
	require.NoError(t, os.WriteFile(path, []byte("x.y.z\n"), 0o600))
	tok, err = readToken(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "x.y.z", tok)

	tok, err = readToken("-", strings.NewReader(" p.q.r \n"))
	require.NoError(t, err)
	assert.Equal(t, "p.q.r", tok)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "latticed version dev\n", out.String())
}
