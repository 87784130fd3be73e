package cli

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/digitorus/pades/certs"
	"github.com/digitorus/pades/revocation"
	"github.com/digitorus/pades/verify"
	"github.com/spf13/cobra"
)

var errInvalidSignatures = errors.New("document contains invalid signatures")

type verifyFlags struct {
	external                  bool
	requireDigitalSignatureKU bool
	requireNonRepudiation     bool
	trustSignatureTime        bool
	allowUntrustedRoots       bool
	roots                     string
	httpTimeout               time.Duration
}

func newVerifyCommand(g *globalOptions) *cobra.Command {
	o := &verifyFlags{}

	cmd := &cobra.Command{
		Use:   "verify <input.pdf>",
		Short: "Verify the signatures of a PDF document",
		Long: `Verify the digital signatures of a PDF document and print the result as JSON.

The command fails when any signature is not valid.

Examples:
  pades verify document.pdf
  pades verify --roots ca.pem document.pdf
  pades verify --external --http-timeout=30s document.pdf
  pades verify --allow-untrusted-roots self-signed.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, g, o, args[0])
		},
	}

	cmd.Flags().BoolVar(&o.external, "external", false, "Fetch OCSP responses for certificates without embedded revocation data")
	cmd.Flags().BoolVar(&o.requireDigitalSignatureKU, "require-digital-signature", true, "Require Digital Signature key usage in certificates")
	cmd.Flags().BoolVar(&o.requireNonRepudiation, "require-non-repudiation", false, "Require Non-Repudiation key usage in certificates (for highest security)")
	cmd.Flags().BoolVar(&o.trustSignatureTime, "trust-signature-time", true, "Validate at the claimed signing time when no time-stamp is present")
	cmd.Flags().BoolVar(&o.allowUntrustedRoots, "allow-untrusted-roots", false, "Allow certificates embedded in the PDF to be used as trusted roots (use with caution)")
	cmd.Flags().StringVar(&o.roots, "roots", "", "Trusted root certificates, the system roots when unset")
	cmd.Flags().DurationVar(&o.httpTimeout, "http-timeout", 10*time.Second, "Timeout for external revocation checking requests")
	return cmd
}

func runVerify(cmd *cobra.Command, g *globalOptions, o *verifyFlags, input string) error {
	_, log, err := g.setup(nil)
	if err != nil {
		return err
	}

	options := verify.DefaultVerifyOptions()
	options.RequireDigitalSignatureKU = o.requireDigitalSignatureKU
	options.RequireNonRepudiation = o.requireNonRepudiation
	options.TrustSignatureTime = o.trustSignatureTime
	options.AllowUntrustedRoots = o.allowUntrustedRoots
	options.Logger = log
	if o.external {
		options.ExternalRevocation = &revocation.HTTPOCSPClient{Timeout: o.httpTimeout, Logger: log}
	}
	if o.roots != "" {
		roots, err := certs.ReadFirstChain(o.roots)
		if err != nil {
			return err
		}
		options.Roots = x509.NewCertPool()
		for _, c := range roots {
			options.Roots.AddCert(c)
		}
	}

	resp, err := verify.File(input, options)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}

	var invalid int
	for _, sig := range resp.Signatures {
		if !sig.Validation.Valid() {
			invalid++
		}
	}
	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d", errInvalidSignatures, invalid, len(resp.Signatures))
	}
	return nil
}
