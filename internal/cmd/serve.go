package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/autobuildhq/autobuild/internal/config"
	"github.com/autobuildhq/autobuild/internal/event"
	"github.com/autobuildhq/autobuild/internal/filelock"
	"github.com/autobuildhq/autobuild/internal/logging"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lock service on its own",
	Long: `Serve runs only the file lock service, for agent adapters that live
in other processes. Leases work exactly as inside a session: TTL expiry,
renewal, and the websocket event stream on /ws.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "bind host (default from config)")
	serveCmd.Flags().Int("port", 0, "bind port (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Coordinator.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Coordinator.Port, _ = cmd.Flags().GetInt("port")
	}

	logger, err := logging.NewLogger("", logging.ParseLevel(cfg.Logging.Level))
	if err != nil {
		return err
	}
	defer logger.Close()

	bus := event.NewBus()
	registry := filelock.NewRegistry(bus, filelock.WithTTL(cfg.Coordinator.LeaseTTL()))
	server := filelock.NewServer(cfg.Coordinator.Addr(), registry, bus, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "lock service on %s, press Ctrl-C to stop\n", cfg.Coordinator.Addr())
	return server.ListenAndServe(ctx)
}
