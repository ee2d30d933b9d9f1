package main

import (
	"fmt"
	"strings"

	"github.com/quailyquaily/strait/strait"
	"github.com/spf13/cobra"
)

func newRelaysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relays",
		Short: "Manage the relay endpoint configuration",
	}
	cmd.AddCommand(newRelaysListCmd())
	cmd.AddCommand(newRelaysAddCmd())
	cmd.AddCommand(newRelaysRemoveCmd())
	return cmd
}

func newRelaysListCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured relay endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := identityFromCmd(cmd)
			if err != nil {
				return err
			}
			config, err := relayConfigFromCmd(cmd)
			if err != nil {
				return err
			}
			endpoints, err := config.Load(cmd.Context(), identity)
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), endpoints)
			}
			for _, endpoint := range endpoints {
				modes := make([]string, 0, 2)
				if endpoint.Read {
					modes = append(modes, "read")
				}
				if endpoint.Write {
					modes = append(modes, "write")
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", endpoint.Order, endpoint.URL, strings.Join(modes, ","))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newRelaysAddCmd() *cobra.Command {
	var read, write bool
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Add a relay endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := identityFromCmd(cmd)
			if err != nil {
				return err
			}
			url := strings.TrimSpace(args[0])
			if url == "" {
				return fmt.Errorf("relay url is required")
			}
			config, err := relayConfigFromCmd(cmd)
			if err != nil {
				return err
			}
			endpoints, err := config.Load(cmd.Context(), identity)
			if err != nil {
				return err
			}
			maxOrder := -1
			for _, endpoint := range endpoints {
				if endpoint.URL == url {
					return fmt.Errorf("relay %s already configured", url)
				}
				if endpoint.Order > maxOrder {
					maxOrder = endpoint.Order
				}
			}
			endpoints = append(endpoints, strait.RelayEndpoint{URL: url, Read: read, Write: write, Order: maxOrder + 1})
			if err := config.Save(cmd.Context(), identity, endpoints); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", url)
			return nil
		},
	}
	cmd.Flags().BoolVar(&read, "read", true, "Subscribe and query through this relay")
	cmd.Flags().BoolVar(&write, "write", true, "Publish through this relay")
	return cmd
}

func newRelaysRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <url>",
		Short: "Remove a relay endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := identityFromCmd(cmd)
			if err != nil {
				return err
			}
			url := strings.TrimSpace(args[0])
			config, err := relayConfigFromCmd(cmd)
			if err != nil {
				return err
			}
			endpoints, err := config.Load(cmd.Context(), identity)
			if err != nil {
				return err
			}
			kept := make([]strait.RelayEndpoint, 0, len(endpoints))
			for _, endpoint := range endpoints {
				if endpoint.URL != url {
					kept = append(kept, endpoint)
				}
			}
			if len(kept) == len(endpoints) {
				return fmt.Errorf("relay %s is not configured", url)
			}
			if err := config.Save(cmd.Context(), identity, kept); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", url)
			return nil
		},
	}
	return cmd
}
