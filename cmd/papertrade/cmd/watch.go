package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"papertrade-v1/config"
	redisstore "papertrade-v1/internal/store/redis"
)

var watchPattern string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print events published to Redis by a running service",
	Long: `Watch subscribes to the Redis Pub/Sub channels the service publishes on and
prints every event. REDIS_ADDR must be set.

Examples:
  papertrade watch
  papertrade watch --channels 'pnl-update:*'`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is not set")
		}
		pub, err := redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer pub.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		return pub.Subscribe(ctx, watchPattern, func(channel string, payload []byte) {
			fmt.Fprintf(out, "%-28s %s\n", channel, payload)
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVarP(&watchPattern, "channels", "c", "*", "event channel filter")
}
