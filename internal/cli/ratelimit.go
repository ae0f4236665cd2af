package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/filegate/internal/ratelimit"
	"github.com/telhawk-systems/filegate/pkg/output"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Manage upload rate limit counters",
}

var ratelimitResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Reset one actor's counter, or all with --all",
	Long: `Reset upload counters in the shared store. key is the actor key used by
the gateway: the user ID when one was sent, otherwise the client IP.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return errors.New("specify exactly one of a key or --all")
		}
		if cfg.RateLimit.RedisURL == "" {
			output.Warn("No ratelimit.redis_url configured; counters live in each server process")
			return nil
		}

		client, err := ratelimit.NewRedisClient(cfg.RateLimit.RedisURL, cfg.RateLimit.RedisTLS)
		if err != nil {
			return err
		}
		defer client.Close()
		store := ratelimit.NewRedisStore(client, cfg.RateLimit.Prefix, cfg.RateLimit.Window)

		ctx := cmd.Context()
		if all {
			err = store.ResetAll(ctx)
		} else {
			err = store.ResetKey(ctx, args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to reset counters: %w", err)
		}

		if all {
			output.Success("Reset all counters under prefix %q", cfg.RateLimit.Prefix)
		} else {
			output.Success("Reset counter for %s", args[0])
		}
		return nil
	},
}

func init() {
	ratelimitResetCmd.Flags().Bool("all", false, "reset every counter")
	ratelimitCmd.AddCommand(ratelimitResetCmd)
	rootCmd.AddCommand(ratelimitCmd)
}
