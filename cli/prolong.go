package cli

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newProlongCommand(g *globalOptions) *cobra.Command {
	o := &signingOptions{}

	cmd := &cobra.Command{
		Use:   "prolong <input.pdf> <output.pdf>",
		Short: "Extend the signatures of a PDF document to PAdES B-LTA",
		Long: `Store fresh validation material for every signature and document time-stamp of a
signed PDF document and add a new document time-stamp. Run it before the last
time-stamp expires to keep the signatures verifiable.

Examples:
  pades prolong --tsa https://freetsa.org/tsr signed.pdf prolonged.pdf
  pades prolong -c pades.toml signed.pdf prolonged.pdf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProlong(cmd, g, o, args[0], args[1])
		},
	}

	o.bindExtension(cmd)
	return cmd
}

func runProlong(cmd *cobra.Command, g *globalOptions, o *signingOptions, input, output string) error {
	cfg, log, err := g.setup(o.apply(cmd))
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg, log)
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
	result, err := engine.ProlongSignatures(cmd.Context(), f, size, &buf)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Prolonged %s (validation material for %s, time-stamp %s), written to %s\n",
		input, strings.Join(result.ValidationFields, ", "), result.TimestampField, output)
	return nil
}
