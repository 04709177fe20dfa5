package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aretw0/lattice/pkg/claims"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/spf13/cobra"
)

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Sign and inspect actor and provider manifests",
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <token|file|->",
	Short: "Verify a manifest and print its claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readToken(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		anchors, _ := cmd.Flags().GetStringSlice("trust")
		c, err := inspectManifest(token, anchors)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a manifest for an actor or provider",
	Long: `Signs a manifest with an issuer account seed. Without --subject-seed a fresh
subject key is generated and its seed is printed to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		opts := signOptions{}
		opts.IssuerSeed, _ = f.GetString("issuer-seed")
		if opts.IssuerSeed == "" {
			opts.IssuerSeed = os.Getenv("LATTICE_ISSUER_SEED")
		}
		opts.SubjectSeed, _ = f.GetString("subject-seed")
		opts.Kind, _ = f.GetString("kind")
		opts.Manifest.Name, _ = f.GetString("name")
		opts.Manifest.Caps, _ = f.GetStringSlice("cap")
		opts.Manifest.ContractID, _ = f.GetString("contract")
		opts.Manifest.Rev, _ = f.GetInt("rev")
		opts.Manifest.Ver, _ = f.GetString("ver")
		opts.Manifest.Tags, _ = f.GetStringSlice("tag")
		opts.Manifest.ExpiresIn, _ = f.GetDuration("expires")

		res, err := signManifest(opts)
		if err != nil {
			return err
		}
		if res.SubjectSeed != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "subject %s seed %s\n", res.Subject, res.SubjectSeed)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Token)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a keypair and print its identity and seed",
	RunE: func(cmd *cobra.Command, args []string) error {
		kindName, _ := cmd.Flags().GetString("kind")
		kind, err := parseKind(kindName)
		if err != nil {
			return err
		}
		key, err := claims.NewKeyPair(kind)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "identity %s\nseed     %s\n", key.Identity(), key.Seed())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(claimsCmd)
	claimsCmd.AddCommand(inspectCmd, signCmd, keygenCmd)

	inspectCmd.Flags().StringSlice("trust", nil, "Trusted issuer identities (default: any issuer)")

	signCmd.Flags().String("issuer-seed", "", "Issuer account seed (or LATTICE_ISSUER_SEED)")
	signCmd.Flags().String("subject-seed", "", "Seed of the actor or provider being signed")
	signCmd.Flags().String("kind", "actor", "Subject kind when generating a key: actor or provider")
	signCmd.Flags().String("name", "", "Human readable name")
	signCmd.Flags().StringSlice("cap", nil, "Capability contract the actor may use (repeatable)")
	signCmd.Flags().String("contract", "", "Contract implemented by a provider")
	signCmd.Flags().Int("rev", 0, "Revision")
	signCmd.Flags().String("ver", "", "Version string")
	signCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	signCmd.Flags().Duration("expires", 0, "Lifetime of the manifest (default: never)")

	keygenCmd.Flags().String("kind", "issuer", "Key kind: actor, provider, host or issuer")
}

type signOptions struct {
	IssuerSeed  string
	SubjectSeed string
	Kind        string
	Manifest    claims.Manifest
}

type signResult struct {
	Token       string
	Subject     domain.Identity
	SubjectSeed string // set when the key was generated
}

func signManifest(opts signOptions) (signResult, error) {
	if opts.IssuerSeed == "" {
		return signResult{}, fmt.Errorf("an issuer seed is required")
	}
	issuer, err := claims.KeyPairFromSeed(opts.IssuerSeed)
	if err != nil {
		return signResult{}, fmt.Errorf("issuer seed: %w", err)
	}
	signer, err := claims.NewSigner(issuer)
	if err != nil {
		return signResult{}, err
	}

	var res signResult
	var subject *claims.KeyPair
	if opts.SubjectSeed != "" {
		if subject, err = claims.KeyPairFromSeed(opts.SubjectSeed); err != nil {
			return signResult{}, fmt.Errorf("subject seed: %w", err)
		}
	} else {
		kind, err := parseKind(opts.Kind)
		if err != nil {
			return signResult{}, err
		}
		if subject, err = claims.NewKeyPair(kind); err != nil {
			return signResult{}, err
		}
		res.SubjectSeed = subject.Seed()
	}
	switch subject.Kind {
	case domain.KindActor:
	case domain.KindProvider:
		if opts.Manifest.ContractID == "" {
			return signResult{}, fmt.Errorf("a provider manifest needs --contract")
		}
	default:
		return signResult{}, fmt.Errorf("only actors and providers carry manifests, got %s", subject.Kind)
	}

	token, err := signer.Sign(subject.Identity(), opts.Manifest)
	if err != nil {
		return signResult{}, err
	}
	res.Token = string(token)
	res.Subject = subject.Identity()
	return res, nil
}

func inspectManifest(token string, anchors []string) (domain.Claims, error) {
	ids := make([]domain.Identity, 0, len(anchors))
	for _, a := range anchors {
		id, err := claims.ParseIdentity(strings.TrimSpace(a))
		if err != nil {
			return domain.Claims{}, fmt.Errorf("trust anchor: %w", err)
		}
		ids = append(ids, id)
	}
	return claims.NewVerifier(claims.WithTrustAnchors(ids...)).Verify([]byte(token))
}

// readToken accepts the token itself, a file holding it, or "-" for stdin.
func readToken(arg string, stdin io.Reader) (string, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(stdin)
	case strings.Count(arg, ".") == 2 && !strings.ContainsAny(arg, "/\\"):
		return arg, nil
	default:
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func parseKind(name string) (domain.Kind, error) {
	switch strings.ToLower(name) {
	case "actor", "module":
		return domain.KindActor, nil
	case "provider", "service":
		return domain.KindProvider, nil
	case "host", "node":
		return domain.KindHost, nil
	case "issuer", "account":
		return domain.KindIssuer, nil
	default:
		return 0, fmt.Errorf("unknown key kind %q", name)
	}
}
