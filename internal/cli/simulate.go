package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/sim"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Golden    string
	Update    bool
	Seed      uint64
	StepLimit int
}

// SimulateResult is the output of a simulation run.
type SimulateResult struct {
	Scenario    string           `json:"scenario"`
	Seed        uint64           `json:"seed"`
	Committed   bool             `json:"committed"`
	Signers     []int            `json:"signers,omitempty"`
	Failure     string           `json:"failure,omitempty"`
	TraceDigest ids.Hash         `json:"trace_digest"`
	Steps       int              `json:"steps"`
	EndMs       int64            `json:"end_ms"`
	Nodes       []sim.NodeResult `json:"nodes"`
	Golden      string           `json:"golden,omitempty"` // "match" | "updated"
	Trace       []sim.TraceEvent `json:"trace,omitempty"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Run a deterministic signing scenario",
		Long: `Run a scenario through the discrete-event simulator and print the trace digest.

A coordinator device "c" asks share holders p1..pN for a threshold signature
over a journal event, then pushes its journal to them. A 1-of-1 account has
no coordinator and p1 signs alone.

The same scenario and seed always produce the same trace. With --golden the
canonical trace is compared byte for byte against the named file; --update
rewrites it instead.

Examples:
  aura simulate internal/sim/testdata/scenarios/partition-byzantine.yaml
  aura simulate scenario.yaml --golden testdata/golden/scenario.golden
  aura simulate scenario.yaml --seed 7 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Golden, "golden", "", "golden trace file to compare against")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "write the golden file instead of comparing")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "override the scenario seed")
	cmd.Flags().IntVar(&opts.StepLimit, "step-limit", sim.DefaultStepLimit, "maximum scheduler steps")

	return cmd
}

func runSimulate(opts *SimulateOptions, cmd *cobra.Command, path string) error {
	if opts.Update && opts.Golden == "" {
		return NewExitError(ExitCommandError, "--update requires --golden")
	}

	sc, err := sim.LoadScenario(path)
	if err != nil {
		return WrapDomainError("failed to load scenario", err)
	}
	if opts.Seed != 0 {
		sc.Seed = opts.Seed
	}

	out := opts.formatter(cmd)
	out.VerboseLog("Running scenario %s (seed %d, %d-of-%d)", sc.Name, sc.Seed, sc.Threshold, sc.Participants)

	res, err := sim.Run(cmd.Context(), sc, sim.WithLogger(opts.logger(cmd)), sim.WithStepLimit(opts.StepLimit))
	if err != nil {
		return WrapDomainError("simulation failed", err)
	}

	result := SimulateResult{
		Scenario:    res.Scenario,
		Seed:        sc.Seed,
		Committed:   res.Committed,
		Signers:     res.Signers,
		Failure:     res.Failure,
		TraceDigest: res.TraceDigest,
		Steps:       res.Steps,
		EndMs:       res.EndMs,
		Nodes:       res.Nodes,
	}

	if opts.Golden != "" {
		status, err := compareGolden(opts.Golden, opts.Update, sc.Name, res.Trace)
		if err != nil {
			return err
		}
		result.Golden = status
	}

	if opts.Format == "json" {
		result.Trace = res.Trace
		out.TraceID = res.TraceDigest.String()
		if err := out.Success(result); err != nil {
			return err
		}
	} else {
		outputSimulateText(cmd, result)
		for _, e := range res.Trace {
			out.VerboseLog("  %6dms %-7s %-3s -> %-3s %s %s", e.At, e.Kind, e.From, e.To, e.Label, e.Detail)
		}
	}

	if err := sc.Check(res); err != nil {
		return WrapExitError(ExitFailure, "scenario expectations not met", err)
	}
	return nil
}

// compareGolden checks the canonical trace against path, or rewrites path
// when update is set.
func compareGolden(path string, update bool, scenario string, trace []sim.TraceEvent) (string, error) {
	snapshot, err := sim.MarshalCanonical(scenario, trace)
	if err != nil {
		return "", WrapDomainError("failed to render trace", err)
	}
	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", WrapExitError(ExitCommandError, "failed to create golden directory", err)
		}
		if err := os.WriteFile(path, snapshot, 0o644); err != nil {
			return "", WrapExitError(ExitCommandError, "failed to write golden file", err)
		}
		return "updated", nil
	}
	want, err := os.ReadFile(path)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "failed to read golden file", err)
	}
	if !bytes.Equal(bytes.TrimSpace(want), snapshot) {
		return "", NewExitError(ExitFailure, fmt.Sprintf("trace differs from golden file %s", path))
	}
	return "match", nil
}

func outputSimulateText(cmd *cobra.Command, r SimulateResult) {
	w := cmd.OutOrStdout()
	if r.Committed {
		signers := make([]string, len(r.Signers))
		for i, s := range r.Signers {
			signers[i] = fmt.Sprintf("p%d", s)
		}
		fmt.Fprintf(w, "Scenario %s: committed by %s\n", r.Scenario, strings.Join(signers, ", "))
	} else {
		fmt.Fprintf(w, "Scenario %s: failed (%s)\n", r.Scenario, r.Failure)
	}
	fmt.Fprintf(w, "Trace digest: %s\n", r.TraceDigest)
	fmt.Fprintf(w, "Steps: %d, ended at %dms\n", r.Steps, r.EndMs)
	for _, n := range r.Nodes {
		fmt.Fprintf(w, "  %s events=%d head=%s state=%s\n", n.Name, n.Events, n.Head.Short(), n.State.Short())
	}
	if r.Golden != "" {
		fmt.Fprintf(w, "Golden: %s\n", r.Golden)
	}
}
