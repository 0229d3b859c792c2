package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360/openhim-core/rbac"
)

func newChannelsCmd(opts *globalOptions) *cobra.Command {
	var groups []string
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List the channels a set of groups may view and rerun",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, release, err := opts.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			resolver, err := rbac.NewResolver(repo, repo, nil, nil)
			if err != nil {
				return err
			}
			user := rbac.User{Name: "openhimctl", Groups: groups}

			viewable, err := resolver.ViewableChannels(cmd.Context(), user)
			if err != nil {
				return err
			}
			rerunnable, err := resolver.RerunnableChannels(cmd.Context(), user)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printChannels(out, "Viewable", viewable)
			printChannels(out, "Rerunnable", rerunnable)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&groups, "groups", "g", nil, "Groups of the user, comma separated")
	return cmd
}

func printChannels(w io.Writer, title string, channels []rbac.Channel) {
	_, _ = bold.Fprintf(w, "%s (%d)\n", title, len(channels))
	if len(channels) == 0 {
		printWarning(w, "none")
		return
	}
	for _, c := range channels {
		name := c.Name
		if name == "" {
			name = "-"
		}
		_, _ = fmt.Fprintf(w, "  %-24s %s\n", c.ID, strings.TrimSpace(name))
	}
}
