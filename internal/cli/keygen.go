package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/frost"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Threshold    int
	Participants int
	Seed         uint64
}

// KeygenResult is the public key package of a dealt key set.
type KeygenResult struct {
	Mode            string            `json:"mode"`
	Threshold       int               `json:"threshold"`
	Participants    int               `json:"participants"`
	GroupPublicKey  string            `json:"group_public_key"`
	VerifyingShares map[string]string `json:"verifying_shares"`
	Commitments     []string          `json:"commitments,omitempty"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Deal an m-of-n threshold key and print its public package",
		Long: `Generate signing keys with a trusted dealer and print the public key package.

Secret shares are discarded. A non-zero --seed makes the output reproducible.
With --threshold 1 --participants 1 a single-signer Ed25519 key is produced.

Examples:
  aura keygen --threshold 2 --participants 3
  aura keygen -m 3 -n 5 --seed 42 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Threshold, "threshold", "m", 2, "signers required")
	cmd.Flags().IntVarP(&opts.Participants, "participants", "n", 3, "total participants")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "deterministic seed (0 uses system entropy)")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	var rand io.Reader = effects.SystemRandom{}.Reader()
	if opts.Seed != 0 {
		rand = effects.NewSeededRandom(opts.Seed).Fork("keygen").Reader()
	}

	keys, err := frost.GenerateSigningKeys(rand, opts.Threshold, opts.Participants)
	if err != nil {
		return WrapDomainError("failed to generate keys", err)
	}

	pub := keys.Public
	result := KeygenResult{
		Mode:            pub.Mode.String(),
		Threshold:       int(pub.MinSigners),
		Participants:    int(pub.MaxSigners),
		GroupPublicKey:  hex.EncodeToString(pub.GroupPublicKey),
		VerifyingShares: make(map[string]string, len(pub.VerifyingShares)),
	}
	for id, share := range pub.VerifyingShares {
		result.VerifyingShares[strconv.Itoa(int(id))] = hex.EncodeToString(share)
	}
	for _, c := range keys.Commitments {
		result.Commitments = append(result.Commitments, hex.EncodeToString(c))
	}

	out := opts.formatter(cmd)
	if opts.Format == "json" {
		return out.Success(result)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Mode: %s (%d-of-%d)\n", result.Mode, result.Threshold, result.Participants)
	fmt.Fprintf(w, "Group public key: %s\n", result.GroupPublicKey)
	fmt.Fprintln(w, "Verifying shares:")
	for _, id := range pub.Signers() {
		fmt.Fprintf(w, "  %d: %s\n", id, result.VerifyingShares[strconv.Itoa(int(id))])
	}
	out.VerboseLog("Commitments: %d", len(result.Commitments))
	return nil
}
