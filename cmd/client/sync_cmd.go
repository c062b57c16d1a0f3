package main

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/xynoxa/xynoxa-desktop/internal/client/groupmgr"
	"github.com/xynoxa/xynoxa-desktop/internal/client/service"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	var once bool
	var token string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync every enabled group folder in the foreground",
		Long: `Sync every enabled group folder in the foreground until interrupted.
With --once a single cycle runs per folder and the command exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			var opts []service.Option
			if once {
				opts = append(opts, service.WithManagerOptions(groupmgr.WithWatch(false)))
			}
			svc, err := newCLIService(cmd, opts...)
			if err != nil {
				return err
			}
			defer svc.Shutdown()

			if _, err := svc.StartSync(token); err != nil {
				printError(cmd.ErrOrStderr(), err)
				return err
			}

			if !once {
				slog.Info("syncing, press ctrl+c to stop")
				<-cmd.Context().Done()
				return nil
			}

			results, err := svc.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printCycleResults(cmd, results)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run one cycle per folder and exit")
	cmd.Flags().StringVar(&token, "token", "", "API token to use instead of the stored one")
	return cmd
}

func printCycleResults(cmd *cobra.Command, results map[string]error) error {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var failed int
	for _, id := range ids {
		if err := results[id]; err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", red("failed"), cyan(id), err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("synced"), cyan(id))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d folders failed", failed, len(ids))
	}
	return nil
}
