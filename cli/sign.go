package cli

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/digitorus/pades"
	"github.com/digitorus/pades/certs"
	"github.com/digitorus/pades/cms"
	"github.com/digitorus/pades/config"
	"github.com/digitorus/pades/revocation"
	"github.com/digitorus/pades/signers/csc"
	"github.com/digitorus/pades/tsa"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errNoMatchingCertificate = errors.New("no certificate matches the private key")

// signingOptions are the flags shared by the commands producing
// signatures. Flags that are set override the configuration file.
type signingOptions struct {
	profile string

	cert, key, chain, passphrase string
	digest, subFilter            string

	field, name, reason, location, contact string
	docMDP                                 int

	tsa, tsaUser, tsaPassword string
	revocationLevel           string
	signingCertOnly           bool
	tempDir                   string
}

func (o *signingOptions) bindProfile(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.profile, "profile", "p", "", "PAdES level: B, T, LT or LTA (default B)")
}

func (o *signingOptions) bindSigner(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.cert, "cert", "", "Signing certificate (PEM, DER or PKCS#12)")
	cmd.Flags().StringVar(&o.key, "key", "", "Private key (PEM, DER or PKCS#12)")
	cmd.Flags().StringVar(&o.chain, "chain", "", "Issuer certificates")
	cmd.Flags().StringVar(&o.passphrase, "passphrase", "", "Passphrase of the private key or PKCS#12 file")
	cmd.Flags().StringVar(&o.digest, "digest", "", "Digest algorithm (default depends on the key)")
	cmd.Flags().StringVar(&o.subFilter, "sub-filter", "", "Signature sub filter (ETSI.CAdES.detached or adbe.pkcs7.detached)")
}

func (o *signingOptions) bindSignature(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.field, "field", "", "Signature field name")
	cmd.Flags().StringVar(&o.name, "name", "", "Name of the signatory")
	cmd.Flags().StringVar(&o.reason, "reason", "", "Reason for signing")
	cmd.Flags().StringVar(&o.location, "location", "", "Location of the signatory")
	cmd.Flags().StringVar(&o.contact, "contact", "", "Contact information for signatory")
	cmd.Flags().IntVar(&o.docMDP, "docmdp", 0, "Certify the document with permission 1 (no changes), 2 (form filling) or 3 (form filling and annotations)")
}

func (o *signingOptions) bindExtension(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.tsa, "tsa", "", "URL of the Time-Stamp Authority")
	cmd.Flags().StringVar(&o.tsaUser, "tsa-username", "", "Time-Stamp Authority username")
	cmd.Flags().StringVar(&o.tsaPassword, "tsa-password", "", "Time-Stamp Authority password")
	cmd.Flags().StringVar(&o.revocationLevel, "revocation", "", "Revocation data: ocsp_optional_crl, ocsp, crl or ocsp_crl")
	cmd.Flags().BoolVar(&o.signingCertOnly, "signing-certificate-only", false, "Only store revocation data for signing certificates")
	cmd.Flags().StringVar(&o.tempDir, "temp-dir", "", "Directory for intermediate revisions")
}

// apply copies the flags that were set into cfg.
func (o *signingOptions) apply(cmd *cobra.Command) func(cfg *config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		set := func(name string, dst *string, value string) {
			if flags.Changed(name) {
				*dst = value
			}
		}
		set("profile", &cfg.Profile, o.profile)
		set("cert", &cfg.Signer.Certificate, o.cert)
		set("key", &cfg.Signer.Key, o.key)
		set("chain", &cfg.Signer.Chain, o.chain)
		set("passphrase", &cfg.Signer.Passphrase, o.passphrase)
		set("digest", &cfg.Signer.Digest, o.digest)
		set("sub-filter", &cfg.Signer.SubFilter, o.subFilter)
		set("field", &cfg.Signature.Field, o.field)
		set("name", &cfg.Signature.Name, o.name)
		set("reason", &cfg.Signature.Reason, o.reason)
		set("location", &cfg.Signature.Location, o.location)
		set("contact", &cfg.Signature.ContactInfo, o.contact)
		set("tsa", &cfg.TSA.URL, o.tsa)
		set("tsa-username", &cfg.TSA.Username, o.tsaUser)
		set("tsa-password", &cfg.TSA.Password, o.tsaPassword)
		set("revocation", &cfg.Revocation.Level, o.revocationLevel)
		set("temp-dir", &cfg.TempDir, o.tempDir)
		if flags.Changed("docmdp") {
			cfg.Signature.DocMDP = o.docMDP
		}
		if flags.Changed("signing-certificate-only") {
			cfg.Revocation.SigningCertificateOnly = o.signingCertOnly
		}
	}
}

func newSignCommand(g *globalOptions) *cobra.Command {
	o := &signingOptions{}

	cmd := &cobra.Command{
		Use:   "sign <input.pdf> <output.pdf>",
		Short: "Sign a PDF document",
		Long: `Sign a PDF document with a PAdES baseline signature.

The signature is appended as an incremental revision. From level T on a
Time-Stamp Authority is required; LT stores validation material for all
signatures of the document and LTA adds a document time-stamp.

Examples:
  pades sign --cert signer.pem --key signer.key --chain ca.pem input.pdf output.pdf
  pades sign --profile LTA --tsa https://freetsa.org/tsr --cert id.p12 --key id.p12 --passphrase secret input.pdf output.pdf
  pades sign -c pades.toml --reason "Approved" input.pdf output.pdf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, g, o, args[0], args[1])
		},
	}

	o.bindProfile(cmd)
	o.bindSigner(cmd)
	o.bindSignature(cmd)
	o.bindExtension(cmd)
	return cmd
}

func runSign(cmd *cobra.Command, g *globalOptions, o *signingOptions, input, output string) error {
	cfg, log, err := g.setup(o.apply(cmd))
	if err != nil {
		return err
	}
	if err := cfg.ValidateSigner(); err != nil {
		return err
	}
	format, err := pades.ParseFormat(cfg.Profile)
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, log)
	if err != nil {
		return err
	}
	signer, chain, err := loadSigner(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}

	f, size, err := openInput(input)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	var buf bytes.Buffer
	result, err := engine.Sign(cmd.Context(), format, f, size, &buf, properties(cfg), chain, signer)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Signed %s with PAdES %s in field %s, written to %s\n", input, result.Format, result.FieldName, output)
	return nil
}

// newEngine builds the signing engine described by cfg.
func newEngine(cfg *config.Config, log *zap.Logger) (*pades.Engine, error) {
	digest, err := cfg.Digest()
	if err != nil {
		return nil, err
	}

	cache := revocation.NewMemoryCache()
	timeout := cfg.Revocation.Timeout
	opts := pades.Options{
		TempDir: cfg.TempDir,
		Collector: &revocation.Collector{
			OCSP:    &revocation.HTTPOCSPClient{Cache: cache, Timeout: timeout, Logger: log},
			CRL:     &revocation.HTTPCRLClient{Cache: cache, Timeout: timeout, Logger: log},
			Issuers: &revocation.HTTPIssuerResolver{Cache: cache, Timeout: timeout, Logger: log},
			Logger:  log,
		},
		Level:      cfg.RevocationLevel(),
		CertOption: cfg.CertOption(),
		Digest:     digest,
		SubFilter:  cfg.Signer.SubFilter,
		Logger:     log,
	}
	if cfg.TSA.URL != "" {
		opts.TSA = &tsa.HTTPClient{
			URL:      cfg.TSA.URL,
			Username: cfg.TSA.Username,
			Password: cfg.TSA.Password,
			Timeout:  cfg.TSA.Timeout,
			Logger:   log,
		}
	}
	return pades.New(opts)
}

func properties(cfg *config.Config) *pades.SignerProperties {
	p := pades.NewSignerProperties().
		FieldName(cfg.Signature.Field).
		SignerName(cfg.Signature.Name).
		Reason(cfg.Signature.Reason).
		Location(cfg.Signature.Location).
		Contact(cfg.Signature.ContactInfo)
	if cfg.Signature.DocMDP > 0 {
		p.Type(pades.CertificationSignature).Permission(pades.Permission(cfg.Signature.DocMDP))
	}
	return p
}

// loadSigner returns the signing key and its chain, the signing
// certificate first.
func loadSigner(ctx context.Context, cfg *config.Config, log *zap.Logger) (crypto.Signer, []*x509.Certificate, error) {
	if cfg.Signer.Key == "" && cfg.CSC != nil {
		s, err := csc.NewSigner(ctx, csc.Config{
			BaseURL:      cfg.CSC.BaseURL,
			CredentialID: cfg.CSC.CredentialID,
			AuthToken:    cfg.CSC.AuthToken,
			PIN:          cfg.CSC.PIN,
			Timeout:      cfg.CSC.Timeout,
			Logger:       log,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, append([]*x509.Certificate{s.Certificate()}, s.Chain()...), nil
	}

	var key crypto.Signer
	var err error
	if isPKCS12(cfg.Signer.Key) {
		key, _, err = certs.ReadPKCS12(cfg.Signer.Key, cfg.Signer.Passphrase)
	} else {
		key, err = certs.ReadFirstKey(cfg.Signer.Key, cfg.Signer.Passphrase)
	}
	if err != nil {
		return nil, nil, err
	}

	chain, err := loadChain(cfg)
	if err != nil {
		return nil, nil, err
	}
	for i, cert := range chain {
		if cms.MatchesCertificate(key, cert) == nil {
			chain[0], chain[i] = chain[i], chain[0]
			return key, chain, nil
		}
	}
	return nil, nil, errNoMatchingCertificate
}

// loadChain reads the certificate and chain files in order.
func loadChain(cfg *config.Config) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for _, path := range []string{cfg.Signer.Certificate, cfg.Signer.Chain} {
		if path == "" {
			continue
		}
		var list []*x509.Certificate
		var err error
		if isPKCS12(path) {
			_, list, err = certs.ReadPKCS12(path, cfg.Signer.Passphrase)
		} else {
			list, err = certs.ReadFirstChain(path)
		}
		if err != nil {
			return nil, err
		}
		for _, cert := range list {
			if !contains(chain, cert) {
				chain = append(chain, cert)
			}
		}
	}
	if len(chain) == 0 {
		return nil, certs.ErrNoCertificate
	}
	return chain, nil
}

func contains(list []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range list {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

func isPKCS12(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return true
	}
	return false
}

func openInput(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	finfo, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, finfo.Size(), nil
}
