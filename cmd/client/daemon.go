package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/xynoxa/xynoxa-desktop/internal/client"
	"github.com/xynoxa/xynoxa-desktop/internal/client/config"
	"github.com/xynoxa/xynoxa-desktop/internal/client/controlplane"
	"github.com/xynoxa/xynoxa-desktop/internal/client/vault"
	"github.com/xynoxa/xynoxa-desktop/internal/version"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	var addr string
	var authToken string
	var rateLimit int64

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync service and the local control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			slog.Info("xynoxa", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)

			cfg, err := readConfig()
			if err != nil {
				return err
			}
			slog.Info("daemon using config", "path", cfg.Path, "data_dir", cfg.DataDir)

			daemon, err := client.NewDaemon(cmd.Context(), cfg, client.DaemonConfig{
				Addr:      addr,
				AuthToken: authToken,
				RateLimit: rateLimit,
			}, vault.NewKeyring(""))
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			return daemon.Start(cmd.Context())
		},
	}

	daemonCmd.Flags().StringVarP(&addr, "http-addr", "a", config.DefaultControlPlaneURL, "Address to bind the local http server")
	daemonCmd.Flags().StringVarP(&authToken, "http-token", "t", "", "Access token for the local http server, generated when empty")
	daemonCmd.Flags().Int64Var(&rateLimit, "http-rate-limit", controlplane.DefaultRateLimit, "Requests per second per client on the local http server")

	return daemonCmd
}
