package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/server"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the TaskDesk web server",
	Long: `Starts the TaskDesk web server. Usage:

	taskdesk server
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		log := logger.Named("server")

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		srv, err := server.New(ctx, cfg)
		if err != nil {
			log.Error("failed to start server", logger.Err(err))
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Error("server error", logger.Err(err))
			}
			_ = srv.Shutdown()
			return err
		case <-ctx.Done():
			log.Info("shutting down")
			return srv.Shutdown()
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
