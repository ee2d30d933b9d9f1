package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strait",
		Short: "Relay-signaled P2P connection tooling",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveLogLevel(cmd)
			return err
		},
	}
	cmd.PersistentFlags().String("dir", defaultStraitDir(), "Strait state directory")
	cmd.PersistentFlags().String("log-level", "info", "Log level: debug|info|warn|error")
	cmd.PersistentFlags().String("identity", "", "Identity pubkey (hex)")

	cmd.AddCommand(newRelaysCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}
