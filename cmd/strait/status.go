package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/quailyquaily/strait/internal/relayws"
	"github.com/quailyquaily/strait/strait"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var outputJSON bool
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect to the configured relays and report per-endpoint status",
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

			logger := loggerFromCmd(cmd)
			pool, err := strait.NewRelayPool(relayws.Dialer(logger), strait.PoolOptions{Logger: logger})
			if err != nil {
				return err
			}
			defer pool.Disconnect()

			if watch {
				pool.OnStatusChange(func(relayURL string, status strait.ConnectionStatus) {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", relayURL, status)
				})
			}

			if err := pool.Connect(cmd.Context(), endpoints); err != nil {
				return err
			}

			if watch {
				watchCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				<-watchCtx.Done()
				return nil
			}

			statuses := pool.GetStatus()
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), statuses)
			}
			urls := make([]string, 0, len(statuses))
			for url := range statuses {
				urls = append(urls, url)
			}
			sort.Strings(urls)
			for _, url := range urls {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", url, statuses[url])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	cmd.Flags().BoolVar(&watch, "watch", false, "Stream status transitions until interrupted")
	return cmd
}
