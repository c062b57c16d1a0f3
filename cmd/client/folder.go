package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xynoxa/xynoxa-desktop/internal/client/config"
)

func init() {
	rootCmd.AddCommand(newFolderCmd())
}

func newFolderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "folder",
		Aliases: []string{"folders"},
		Short:   "Manage group folders",
	}
	cmd.AddCommand(newFolderListCmd())
	cmd.AddCommand(newFolderAddCmd())
	cmd.AddCommand(newFolderToggleCmd("enable", true))
	cmd.AddCommand(newFolderToggleCmd("disable", false))
	return cmd
}

func newFolderListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List group folders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(cfg.GroupFolders) == 0 {
				fmt.Fprintln(w, gray("No group folders"))
				return nil
			}
			for _, gf := range cfg.GroupFolders {
				state := green("enabled")
				if !gf.Enabled {
					state = gray("disabled")
				}
				remote := gf.RemoteID
				if remote == "" {
					remote = gf.ID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cyan(gf.ID), gf.LocalRoot, remote, state)
			}
			return nil
		},
	}
}

func newFolderAddCmd() *cobra.Command {
	var name, remoteID string
	var include []string
	var concurrency int
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add <id> <local-root>",
		Short: "Add a group folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := readConfig()
			if err != nil {
				return err
			}
			id := strings.TrimSpace(args[0])
			gf := config.GroupFolder{
				ID:          id,
				Name:        name,
				LocalRoot:   args[1],
				RemoteID:    remoteID,
				Enabled:     !disabled,
				Concurrency: concurrency,
				Include:     include,
			}
			if err := cfg.AddFolder(gf); err != nil {
				printError(cmd.ErrOrStderr(), err)
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			added, _ := cfg.Folder(id)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s at %s\n", green("Added"), cyan(id), added.LocalRoot)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&remoteID, "remote", "", "Remote folder id, defaults to the folder id")
	cmd.Flags().StringSliceVar(&include, "include", nil, "Only sync paths matching these patterns")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Transfer workers for this folder")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Add the folder without enabling it")
	return cmd
}

func newFolderToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a group folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := readConfig()
			if err != nil {
				return err
			}
			if err := cfg.SetFolderEnabled(args[0], enabled); err != nil {
				printError(cmd.ErrOrStderr(), err)
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green(use+"d"), cyan(args[0]))
			return nil
		},
	}
}
