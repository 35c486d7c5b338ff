package main

import (
	"fmt"
	"time"

	"leaselock/internal/store"

	"github.com/spf13/cobra"
)

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status KEY",
		Short: "Show the current holder of a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			key := cfg.Store.KeyPrefix + args[0]
			owner, found, err := st.Get(cmd.Context(), key)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !found {
				fmt.Fprintf(out, "key=%s held=false\n", args[0])
				return nil
			}

			ttl := "unknown"
			if in, ok := st.(store.Inspector); ok {
				d, stillFound, err := in.TTL(cmd.Context(), key)
				switch {
				case err != nil:
					return err
				case !stillFound:
					// Expired between the two reads.
					fmt.Fprintf(out, "key=%s held=false\n", args[0])
					return nil
				case d == 0:
					ttl = "none"
				default:
					ttl = d.Round(time.Millisecond).String()
				}
			}
			fmt.Fprintf(out, "key=%s held=true owner=%s ttl=%s\n", args[0], owner, ttl)
			return nil
		},
	}
}
