package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"offline0/internal/offline"
)

var cmdPrecache = &cobra.Command{
	Use:   "precache",
	Short: "Install and activate the configured version, then exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(cmd.Context(), func(ctx context.Context, cfg offline.Config, st offline.Storage) error {
			a := offline.NewAgent(cfg, st, nil)
			res, err := a.Install(ctx)
			if err != nil {
				return err
			}
			act, err := a.Activate(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s: cached %d assets, removed %d old stores\n", res.Version, res.Cached, len(act.Deleted))
			return nil
		})
	},
}

var cmdStores = &cobra.Command{
	Use:   "stores",
	Short: "List stores and their entry counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(cmd.Context(), func(ctx context.Context, cfg offline.Config, st offline.Storage) error {
			names, err := st.Names(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				keys, err := st.Cache(name).Keys(ctx)
				if err != nil {
					return err
				}
				marker := " "
				if name == cfg.Cache.Version {
					marker = "*"
				}
				fmt.Printf("%s %s\t%d\n", marker, name, len(keys))
			}
			return nil
		})
	},
}

var cmdClear = &cobra.Command{
	Use:   "clear",
	Short: "Delete every store, including the active one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(cmd.Context(), func(ctx context.Context, cfg offline.Config, st offline.Storage) error {
			reply, err := offline.NewAgent(cfg, st, nil).HandleMessage(ctx, offline.Message{Type: offline.MessageClearCache})
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d stores\n", len(reply.Deleted))
			return nil
		})
	},
}

func init() {
	cmdRoot.AddCommand(cmdPrecache, cmdStores, cmdClear)
}

func withStorage(ctx context.Context, fn func(context.Context, offline.Config, offline.Storage) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := offline.NewStorage(cfg)
	if err != nil {
		return errors.Wrap(err, "init storage")
	}
	defer st.Close()
	return fn(ctx, cfg, st)
}
