package main

import (
	"github.com/spf13/cobra"

	"github.com/c360/openhim-core/rbac"
)

func newSeedCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load roles and channels from a seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := rbac.LoadSeed(args[0])
			if err != nil {
				return err
			}

			repo, release, err := opts.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if err := seed.Apply(cmd.Context(), repo); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "seeded %d roles and %d channels into %s",
				len(seed.Roles), len(seed.Channels), opts.repository)
			return nil
		},
	}
}
