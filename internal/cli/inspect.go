package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/config"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/store"
	"github.com/roach88/aura/internal/threshold"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Backend   string
	Path      string
	RedisURL  string
	Authority string
	MasterKey string
}

// InspectResult describes a persisted journal.
type InspectResult struct {
	Authority string         `json:"authority"`
	Backend   string         `json:"backend"`
	Events    int            `json:"events"`
	TreeSize  int64          `json:"tree_size"`
	Root      ids.Hash       `json:"root"`
	Digest    ids.Hash       `json:"state_digest"`
	State     map[string]any `json:"state"`
	Shares    *ShareSummary  `json:"sealed_shares,omitempty"`
}

// ShareSummary counts sealed key shares and how many the configured
// master key opens.
type ShareSummary struct {
	Total    int `json:"total"`
	Readable int `json:"readable"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Load a persisted journal and print its derived state",
		Long: `Rebuild an authority's journal from a storage backend and print the reduced
account state.

Backend flags override the configuration loaded from --config and AURA_* variables.
With a master key file, sealed key shares in the same backend are opened and counted.

Examples:
  aura inspect --backend sqlite --path aura.db --authority <id>
  aura inspect --backend redis --redis-url redis://localhost:6379/0 --authority <id> --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", "", "storage backend (memory|sqlite|bbolt|redis)")
	cmd.Flags().StringVar(&opts.Path, "path", "", "database path for sqlite and bbolt")
	cmd.Flags().StringVar(&opts.RedisURL, "redis-url", "", "redis URL")
	cmd.Flags().StringVar(&opts.Authority, "authority", "", "authority id (required)")
	cmd.Flags().StringVar(&opts.MasterKey, "master-key-file", "", "hex master key for sealed shares")
	_ = cmd.MarkFlagRequired("authority")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	authority, err := ids.ParseAuthorityID(opts.Authority)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid authority id", err)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapDomainError("invalid configuration", err)
	}

	logger := opts.logger(cmd)
	storage, closer, err := store.Open(cfg, logger)
	if err != nil {
		return WrapDomainError("failed to open storage", err)
	}
	defer closer.Close()

	var shares *ShareSummary
	master, err := cfg.MasterKey()
	if err != nil {
		return WrapDomainError("invalid configuration", err)
	}
	if master != nil {
		rt, err := effects.ForProduction(storage, nil, master, logger)
		if err != nil {
			return WrapDomainError("failed to build runtime", err)
		}
		if shares, err = countShares(cmd, rt); err != nil {
			return WrapDomainError("failed to read sealed shares", err)
		}
	}

	j, err := journal.Load(cmd.Context(), storage, authority, journal.WithLogger(logger))
	if err != nil {
		return WrapDomainError("failed to load journal", err)
	}

	state := j.State()
	head := j.Head()
	result := InspectResult{
		Authority: authority.String(),
		Backend:   cfg.StorageBackend,
		Events:    j.Len(),
		TreeSize:  head.TreeSize,
		Root:      head.RootHash,
		Digest:    state.Digest(),
		State:     state.Summary(),
		Shares:    shares,
	}

	out := opts.formatter(cmd)
	if opts.Format == "json" {
		return out.Success(result)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Authority: %s (%s)\n", result.Authority, result.Backend)
	fmt.Fprintf(w, "Events: %d\n", result.Events)
	fmt.Fprintf(w, "Fact tree: size=%d root=%s\n", result.TreeSize, result.Root)
	fmt.Fprintf(w, "State digest: %s\n", result.Digest)
	fmt.Fprintf(w, "Active devices: %d\n", len(state.ActiveDevices()))
	fmt.Fprintf(w, "Guardians: %d\n", len(state.ActiveGuardians()))
	if key, ok := state.CurrentThresholdKey(); ok {
		fmt.Fprintf(w, "Threshold key: %d-of-%d\n", key.Threshold, key.Participants)
	}
	if shares != nil {
		fmt.Fprintf(w, "Sealed shares: %d of %d readable\n", shares.Readable, shares.Total)
	}
	if opts.Verbose {
		summary, err := canonical.Marshal(result.State)
		if err != nil {
			return WrapDomainError("failed to render state", err)
		}
		out.VerboseLog("%s", summary)
	}
	return nil
}

// loadConfig reads --config (or AURA_CONFIG) and applies flag overrides.
func (o *InspectOptions) loadConfig() (*config.Config, error) {
	path := o.ConfigPath
	if path == "" {
		path = os.Getenv("AURA_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if o.Backend != "" {
		cfg.StorageBackend = o.Backend
	}
	if o.Path != "" {
		cfg.StoragePath = o.Path
	}
	if o.RedisURL != "" {
		cfg.RedisURL = o.RedisURL
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.MasterKey != "" {
		cfg.MasterKeyFile = o.MasterKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// countShares opens every sealed share under the runtime's master key. A
// share sealed under another key counts as unreadable.
func countShares(cmd *cobra.Command, rt *effects.Runtime) (*ShareSummary, error) {
	ctx := cmd.Context()
	locs, err := rt.Secure.ListLocations(ctx, threshold.NSParticipantShares, effects.ListCap())
	if err != nil {
		return nil, err
	}
	out := &ShareSummary{Total: len(locs)}
	for _, loc := range locs {
		v, err := rt.Secure.Retrieve(ctx, loc, effects.ReadCap())
		if err != nil {
			rt.Logger.Warn("sealed share unreadable", "location", loc.String(), "error", err)
			continue
		}
		rt.Crypto.SecureZero(v)
		out.Readable++
	}
	return out, nil
}
