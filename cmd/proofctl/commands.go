package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spec-to-proof/spec-to-proof/internal/contenthash"
	"github.com/spec-to-proof/spec-to-proof/internal/pipeline"
	"github.com/spec-to-proof/spec-to-proof/internal/proof"
	"github.com/spec-to-proof/spec-to-proof/internal/queue"
	"github.com/spec-to-proof/spec-to-proof/internal/theorem"
	"github.com/spf13/cobra"
)

func newCompileCommand(opts *rootOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "compile [invariant-set.json]",
		Short: "Compile an invariant set into Lean 4 theorem stubs",
		Long: `Compile an invariant set into Lean 4 theorem stubs.

Compilation runs locally unless --remote is set. The set is read from the
file argument or stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := decodeSet(cmd, args)
			if err != nil {
				return err
			}
			var stubs []theorem.Stub
			if remote {
				c, err := opts.client()
				if err != nil {
					return err
				}
				ctx, cancel := opts.context(cmd)
				defer cancel()
				res, err := c.Compile(ctx, set)
				if err != nil {
					return err
				}
				stubs = res.Stubs
			} else {
				stubs, err = theorem.NewCompiler(nil).CompileSet(set)
				if err != nil {
					return err
				}
			}
			return writeStubs(cmd.OutOrStdout(), opts.Format, stubs)
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "compile on the server instead of locally")
	return cmd
}

func newProveCommand(opts *rootOptions) *cobra.Command {
	var (
		o         proof.Options
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "prove [stubs.json]",
		Short: "Generate proofs for compiled stubs",
		Long: `Generate proofs for compiled stubs.

Input is a JSON array of stubs as printed by compile --format json, or a
single stub object. Stubs are sent in batches of --batch-size; the server
proves each batch concurrently and reports every stub separately.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchSize <= 0 {
				return fmt.Errorf("--batch-size must be > 0")
			}
			stubs, err := decodeStubs(cmd, args)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			out := make([]proof.Artifact, 0, len(stubs))
			var failed int
			for batch := range slices.Chunk(stubs, batchSize) {
				resp, err := c.Prove(ctx, batch, o)
				if err != nil {
					return fmt.Errorf("prove batch: %w", err)
				}
				for _, res := range resp.Results {
					if res.Error != nil {
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s %s\n", res.StubID, res.Error.Error, res.Error.Detail)
					}
					if res.Artifact == nil {
						continue
					}
					if res.Error == nil && res.Artifact.Status != proof.StatusSuccess {
						failed++
					}
					out = append(out, *res.Artifact)
				}
			}
			if err := writeArtifacts(cmd.OutOrStdout(), opts.Format, out); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d stubs not proved", failed, len(stubs))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&o.MaxAttempts, "max-attempts", 0, "attempts per stub (0 uses the server default)")
	cmd.Flags().IntVar(&o.TimeoutSeconds, "timeout-seconds", 0, "checker timeout per attempt (0 uses the server default)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 16, "stubs per request")
	return cmd
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <artifact-hash>",
		Short: "Fetch a stored proof artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := contenthash.Parse(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			a, err := c.Artifact(ctx, h)
			if err != nil {
				return err
			}
			return writeArtifacts(cmd.OutOrStdout(), opts.Format, []proof.Artifact{a})
		},
	}
}

func newVersionsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <theorem-name>",
		Short: "List the artifact versions recorded for a theorem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			res, err := c.Versions(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			for _, v := range res.Versions {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\n",
					v.Sequence, contenthash.Hex(v.ArtifactHash), v.Status, v.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report reasoning service, storage and sandbox health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			h, err := c.Health(ctx)
			if err != nil {
				return err
			}
			if err := writeHealth(cmd.OutOrStdout(), opts.Format, h); err != nil {
				return err
			}
			if !h.OK() {
				return errors.New("service degraded")
			}
			return nil
		},
	}
}

func newPublishCommand(opts *rootOptions) *cobra.Command {
	var (
		driver    string
		brokers   string
		topic     string
		requestID string
		o         proof.Options
	)
	cmd := &cobra.Command{
		Use:   "publish [stubs.json]",
		Short: "Queue stubs for the proof worker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(topic) == "" {
				return errors.New("--topic is required")
			}
			stubs, err := decodeStubs(cmd, args)
			if err != nil {
				return err
			}
			producer, err := queue.NewProducer(queue.ProducerConfig{
				Driver:  driver,
				Brokers: queue.SplitCommaList(brokers),
				Writer:  cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			defer func() { _ = producer.Close() }()

			for i, st := range stubs {
				id := requestID
				if id != "" && len(stubs) > 1 {
					id = fmt.Sprintf("%s-%d", requestID, i+1)
				}
				payload, err := proof.EncodeStubRequest(proof.StubRequest{RequestID: id, Stub: st, Options: o})
				if err != nil {
					return err
				}
				key := []byte(contenthash.Hex(st.ContentHash))
				if err := producer.PublishKeyed(cmd.Context(), topic, key, payload); err != nil {
					return fmt.Errorf("publish %s: %w", st.ID, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	cmd.Flags().StringVar(&brokers, "queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	cmd.Flags().StringVar(&topic, "topic", "proof.stubs.v1", "stub topic")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id carried to results and dead letters")
	cmd.Flags().IntVar(&o.MaxAttempts, "max-attempts", 0, "attempts per stub (0 uses the worker default)")
	cmd.Flags().IntVar(&o.TimeoutSeconds, "timeout-seconds", 0, "checker timeout per attempt (0 uses the worker default)")
	return cmd
}

func decodeSet(cmd *cobra.Command, args []string) (theorem.InvariantSet, error) {
	b, err := readInput(cmd, args)
	if err != nil {
		return theorem.InvariantSet{}, err
	}
	var set theorem.InvariantSet
	if err := json.Unmarshal(b, &set); err != nil {
		return theorem.InvariantSet{}, fmt.Errorf("decode invariant set: %w", err)
	}
	return set, nil
}

// decodeStubs accepts either a stub array or a single stub. Every stub is
// checked against its content hash before it leaves the process.
func decodeStubs(cmd *cobra.Command, args []string) ([]theorem.Stub, error) {
	b, err := readInput(cmd, args)
	if err != nil {
		return nil, err
	}
	b = []byte(strings.TrimSpace(string(b)))
	var stubs []theorem.Stub
	if len(b) > 0 && b[0] == '[' {
		if err := json.Unmarshal(b, &stubs); err != nil {
			return nil, fmt.Errorf("decode stubs: %w", err)
		}
	} else {
		var st theorem.Stub
		if err := json.Unmarshal(b, &st); err != nil {
			return nil, fmt.Errorf("decode stub: %w", err)
		}
		stubs = []theorem.Stub{st}
	}
	if len(stubs) == 0 {
		return nil, errors.New("no stubs in input")
	}
	for _, st := range stubs {
		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("stub %q: %w", st.ID, err)
		}
	}
	return stubs, nil
}

func writeStubs(w io.Writer, format string, stubs []theorem.Stub) error {
	if format == "json" {
		return writeJSON(w, stubs)
	}
	for i, st := range stubs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "-- %s %s\n%s", st.ID, contenthash.Hex(st.ContentHash), st.LeanCode)
	}
	return nil
}

func writeArtifacts(w io.Writer, format string, as []proof.Artifact) error {
	if format == "json" {
		return writeJSON(w, as)
	}
	for _, a := range as {
		fmt.Fprintf(w, "%s\t%s\t%s\tattempts=%d\n", a.TheoremName, a.Status, contenthash.Hex(a.ContentHash), len(a.Attempts))
		if a.FailureReason != "" {
			fmt.Fprintf(w, "  reason: %s\n", a.FailureReason)
		}
	}
	return nil
}

func writeHealth(w io.Writer, format string, h pipeline.Health) error {
	if format == "json" {
		return writeJSON(w, h)
	}
	fmt.Fprintf(w, "status: %s\n", h.Status)
	for _, c := range h.Components {
		state := "ok"
		if !c.OK {
			state = "down: " + c.Error
		}
		fmt.Fprintf(w, "  %s\t%s\t%dms\n", c.Name, state, c.LatencyMS)
	}
	return nil
}
