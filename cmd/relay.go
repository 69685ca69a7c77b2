package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRelayCmd creates the 'relay' subcommand.
func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Switch to a random active Mullvad relay and print the new identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			selector, err := appInstance.RelaySelector()
			if err != nil {
				return err
			}
			identity, err := selector.Rotate(cmd.Context())
			if err != nil {
				return fmt.Errorf("rotate relay: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), identity.String())
			return err
		},
	}
}
