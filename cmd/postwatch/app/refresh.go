package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Synchronize every client once and exit",
		Long: `Runs one refresh of the whole roster against the configured store. When
the scraping provider is not configured or fails, synthetic data is merged
instead and the result says so.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := newServices(ctx, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := svc.startEngine().RefreshAll(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if result.Requested == 0 {
				fmt.Fprintln(out, "no accounts to synchronize")
				return nil
			}
			fmt.Fprintf(out, "updated %d of %d accounts from %s data in %s\n",
				result.Updated, result.Requested, result.Provenance, result.Duration.Round(time.Millisecond))
			if result.RemoteError != "" {
				fmt.Fprintf(out, "remote fetch failed: %s\n", result.RemoteError)
			}
			return nil
		},
	}
}
