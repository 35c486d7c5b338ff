package main

import (
	"fmt"

	"leaselock/internal/lock"

	"github.com/spf13/cobra"
)

func newClearCmd(g *globals) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "clear KEY --force",
		Short: "Delete a lock regardless of its owner",
		Long: `clear deletes the lock record whoever holds it. Use it only to recover
a lock leaked by a holder that died, typically one taken without a global
timeout. Clearing a live lock lets a second holder in while the first one
still runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to clear lock %q without --force", args[0])
			}

			logger, err := g.logger(cmd)
			if err != nil {
				return err
			}
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			l, err := lock.New(st, args[0], lock.WithKeyPrefix(cfg.Store.KeyPrefix), lock.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := l.Clear(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "confirm the lock may be held by a live process")
	return cmd
}
