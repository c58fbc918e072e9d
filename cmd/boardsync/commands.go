package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/boardsync/board"
	"github.com/hazyhaar/boardsync/idgen"
	"github.com/hazyhaar/boardsync/replica"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:           "boardsync",
		Short:         "Replicate the waiting-room board across devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(&flags),
		newAddCmd(&flags),
		newShowCmd(&flags),
		newClientIDCmd(&flags),
	)
	return root
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Replicate until interrupted, logging every applied snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			log := a.logger
			e, err := a.engine(cmd.Context(),
				replica.WithRenderer(func(s board.Snapshot) {
					log.Info("boardsync: snapshot",
						"people", len(s.People),
						"waiting", len(s.Waiting()),
						"boards", len(s.Boards))
				}),
				replica.WithStatusHandler(func(status string) {
					log.Info("boardsync: status", "status", status)
				}),
			)
			if err != nil {
				return err
			}
			defer e.Close()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return e.Run(ctx) })
			err = g.Wait()

			st := e.Stats()
			log.Info("boardsync: stopped",
				"local_changes", st.LocalChanges,
				"applied_peer", st.AppliedPeer,
				"applied_remote", st.AppliedRemote,
				"remote_writes", st.RemoteWrites,
				"remote_failures", st.RemoteFailures)
			return err
		},
	}
}

func newAddCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name>",
		Short: "Add a waiting person and publish the new snapshot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(strings.Join(args, " "))
			if name == "" {
				return fmt.Errorf("name is empty")
			}
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			var added board.Person
			e.Mutate(func(s *board.Snapshot) {
				added = s.AddWaiting(idgen.Record(), name, time.Now().UnixMilli())
			})
			if err := e.Flush(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", added.ID, added.Name)
			return nil
		},
	}
}

func newShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the locally persisted snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, ok := a.slot.Load(cmd.Context())
			if !ok {
				return fmt.Errorf("no snapshot stored yet")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}

func newClientIDCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "client-id",
		Short: "Print this device's client id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintln(cmd.OutOrStdout(), a.clientID)
			return nil
		},
	}
}
