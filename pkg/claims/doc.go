/*
Package claims verifies signed actor and provider manifests.

A manifest is a compact JWT signed with Ed25519 by an issuer account. The
verifier is a pure function of the manifest bytes, the configured trust
anchors and the injected clock, so every host on the lattice reaches the
same verdict for the same artifact.

Identities are the kind prefix followed by the unpadded base32 encoding of
the Ed25519 public key:

	M...  actor (module)
	V...  capability provider (service)
	N...  host (node)
	A...  issuer account
*/
package claims
