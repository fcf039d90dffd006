package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/mq"
	"github.com/taskdesk/server/internal/notify"
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Delivers queued email notifications",
	Long: `Consumes notifications published by the web server and delivers them
over SMTP. Requires NOTIFY_BACKEND=rabbitmq or NOTIFY_BACKEND=pubsub.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		log := logger.Named("worker")

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		ctx = logger.ToContext(ctx, log)

		sender, err := notify.NewSMTPSender(cfg.Mail)
		if err != nil {
			return err
		}
		queue, err := mq.Open(ctx, cfg)
		if err != nil {
			log.Error("failed to connect to queue", logger.Err(err))
			return err
		}
		defer func() {
			if err := queue.Close(); err != nil {
				log.Warn("close queue", logger.Err(err))
			}
		}()

		err = notify.NewWorker(queue, cfg.Notify.Queue, sender).Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker stopped", logger.Err(err))
			return err
		}
		log.Info("worker stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
