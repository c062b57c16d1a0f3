package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xynoxa/xynoxa-desktop/internal/client/service"
	"github.com/xynoxa/xynoxa-desktop/internal/client/vault"
)

func init() {
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newLogoutCmd())
}

// newCLIService builds a service over the OS keyring for one shot commands.
func newCLIService(cmd *cobra.Command, opts ...service.Option) (*service.Service, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	return service.New(cmd.Context(), cfg, vault.NewKeyring(""), opts...)
}

func newLoginCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login [token]",
		Short: "Validate an API token and store it in the system keyring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" && len(args) == 1 {
				token = args[0]
			}
			if token == "" {
				return errors.New("a token is required, pass it as an argument or with --token")
			}
			cmd.SilenceUsage = true

			svc, err := newCLIService(cmd)
			if err != nil {
				return err
			}
			defer svc.Shutdown()

			acct, err := svc.Login(cmd.Context(), token)
			if err != nil {
				printError(cmd.ErrOrStderr(), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s as %s\n", green("Logged in"), cyan(acct.Email))
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "API token, starts with xyn-")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored token and stop syncing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			svc, err := newCLIService(cmd)
			if err != nil {
				return err
			}
			if err := svc.Logout(cmd.Context()); err != nil {
				printError(cmd.ErrOrStderr(), err)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("Logged out"))
			return nil
		},
	}
}
