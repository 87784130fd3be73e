package cli

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/digitorus/pades"
	"github.com/digitorus/pades/sign"
	"github.com/spf13/cobra"
)

// preparedOutput is printed by prepare. Byte fields are base64 encoded.
type preparedOutput struct {
	Field            string `json:"field"`
	DigestAlgorithm  string `json:"digest_algorithm"`
	Digest           []byte `json:"digest"`
	SignedAttributes []byte `json:"signed_attributes"`
}

func newPrepareCommand(g *globalOptions) *cobra.Command {
	o := &signingOptions{}

	cmd := &cobra.Command{
		Use:   "prepare <input.pdf> <prepared.pdf>",
		Short: "Reserve a signature to be signed elsewhere",
		Long: `Append a signature field holding an unsigned container and print the data the
signature value is computed over as JSON. RSA and ECDSA keys sign the digest,
EdDSA keys sign the signed attributes. Only the certificate is needed.

Examples:
  pades prepare --cert signer.pem --chain ca.pem input.pdf prepared.pdf > prepared.json
  pades prepare --profile LT --tsa https://freetsa.org/tsr --cert signer.pem input.pdf prepared.pdf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrepare(cmd, g, o, args[0], args[1])
		},
	}

	o.bindProfile(cmd)
	o.bindSigner(cmd)
	o.bindSignature(cmd)
	o.bindExtension(cmd)
	return cmd
}

func runPrepare(cmd *cobra.Command, g *globalOptions, o *signingOptions, input, output string) error {
	cfg, log, err := g.setup(o.apply(cmd))
	if err != nil {
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
	chain, err := loadChain(cfg)
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

	prepared, err := engine.PrepareTwoPhase(cmd.Context(), format, f, size, properties(cfg), chain)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, prepared.Data, 0o644); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(preparedOutput{
		Field:            prepared.FieldName,
		DigestAlgorithm:  prepared.DigestAlgorithm.String(),
		Digest:           prepared.Digest,
		SignedAttributes: prepared.SignedAttributes,
	})
}

type completeFlags struct {
	field     string
	signature string
	base64    bool
}

func newCompleteCommand(g *globalOptions) *cobra.Command {
	o := &signingOptions{}
	c := &completeFlags{}

	cmd := &cobra.Command{
		Use:   "complete <prepared.pdf> <output.pdf>",
		Short: "Insert an external signature value into a prepared document",
		Long: `Insert a signature value computed over the output of prepare and run the
remaining steps of the PAdES level. The level must match the one used to
prepare the document.

Examples:
  pades complete --field Signature1 --signature value.bin prepared.pdf signed.pdf
  pades complete --profile LTA --tsa https://freetsa.org/tsr --field Signature1 --signature value.b64 --base64 prepared.pdf signed.pdf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComplete(cmd, g, o, c, args[0], args[1])
		},
	}

	o.bindProfile(cmd)
	cmd.Flags().StringVar(&o.digest, "digest", "", "Digest algorithm the value was computed with, checked against the prepared signature")
	o.bindExtension(cmd)
	cmd.Flags().StringVar(&c.field, "field", "", "Prepared signature field")
	cmd.Flags().StringVar(&c.signature, "signature", "", "File holding the signature value")
	cmd.Flags().BoolVar(&c.base64, "base64", false, "The signature file is base64 encoded")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func runComplete(cmd *cobra.Command, g *globalOptions, o *signingOptions, c *completeFlags, input, output string) error {
	cfg, log, err := g.setup(o.apply(cmd))
	if err != nil {
		return err
	}
	format, err := pades.ParseFormat(cfg.Profile)
	if err != nil {
		return err
	}
	digest, err := cfg.Digest()
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, log)
	if err != nil {
		return err
	}

	value, err := os.ReadFile(c.signature)
	if err != nil {
		return err
	}
	if c.base64 {
		if value, err = base64.StdEncoding.DecodeString(strings.TrimSpace(string(value))); err != nil {
			return fmt.Errorf("failed to decode signature value: %w", err)
		}
	}

	f, size, err := openInput(input)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	var buf bytes.Buffer
	result, err := engine.CompleteTwoPhase(cmd.Context(), format, f, size, &buf, c.field,
		sign.ExternalSignature{Value: value, DigestAlgorithm: digest})
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Completed field %s with PAdES %s, written to %s\n", result.FieldName, result.Format, output)
	return nil
}
