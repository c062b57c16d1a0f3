package main

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/xynoxa/xynoxa-desktop/internal/client/config"
)

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the client configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigSetCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			cfg.LegacyAuthToken = ""
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	var serverURL, syncPath string
	var completed bool

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set the server url, the sync path and the setup flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("server-url") && !cmd.Flags().Changed("sync-path") && !cmd.Flags().Changed("completed") {
				return errors.New("nothing to set, pass --server-url, --sync-path or --completed")
			}
			cmd.SilenceUsage = true

			cfg, err := readConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("server-url") {
				serverURL = cfg.ServerURL
			}
			if !cmd.Flags().Changed("sync-path") {
				syncPath = cfg.SyncPath
			}
			if !cmd.Flags().Changed("completed") {
				completed = cfg.SetupCompleted
			}

			if err := saveConfig(cfg, serverURL, syncPath, completed); err != nil {
				printError(cmd.ErrOrStderr(), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("Saved"), cfg.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server-url", "", "Xynoxa server url")
	cmd.Flags().StringVar(&syncPath, "sync-path", "", "Local folder to sync")
	cmd.Flags().BoolVar(&completed, "completed", false, "Mark the setup as completed")
	return cmd
}

func saveConfig(cfg *config.Config, serverURL, syncPath string, completed bool) error {
	if err := cfg.SetPrimary(serverURL, syncPath, completed); err != nil {
		return err
	}
	return cfg.Save()
}
