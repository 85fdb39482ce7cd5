package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spec-to-proof/spec-to-proof/internal/httpapi"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	Server   string
	TokenEnv string
	Timeout  time.Duration
	Format   string
}

var validFormats = []string{"json", "text"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "proofctl",
		Short:         "Compile invariants and drive the proof orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			for _, f := range validFormats {
				if opts.Format == f {
					return nil
				}
			}
			return fmt.Errorf("invalid --format %q: must be one of %v", opts.Format, validFormats)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://127.0.0.1:8090", "proof-orchestrator base URL")
	cmd.PersistentFlags().StringVar(&opts.TokenEnv, "token-env", "PROOF_API_TOKEN", "env var holding the bearer token")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Minute, "request timeout")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "json", "output format (json|text)")

	cmd.AddCommand(newCompileCommand(opts))
	cmd.AddCommand(newProveCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newVersionsCommand(opts))
	cmd.AddCommand(newHealthCommand(opts))
	cmd.AddCommand(newPublishCommand(opts))
	return cmd
}

func (o *rootOptions) client() (*httpapi.Client, error) {
	return httpapi.NewClient(o.Server, os.Getenv(o.TokenEnv))
}

func (o *rootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.Timeout)
}

// readInput reads a file argument, or stdin when the argument is "-" or
// absent.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		if len(strings.TrimSpace(string(b))) == 0 {
			return nil, errors.New("input is required as a file argument or on stdin")
		}
		return b, nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", args[0], err)
	}
	return b, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
