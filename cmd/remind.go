package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/db"
	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/notify"
	"github.com/taskdesk/server/internal/server"
)

var remindWithin time.Duration

// remindCmd sends one round of deadline reminders. It is meant to run from cron.
var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Email assignees about tasks due soon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		log := logger.Named("remind")

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		ctx = logger.ToContext(ctx, log)

		within := cfg.Security.ReminderLookahead
		if remindWithin > 0 {
			within = remindWithin
		}

		conn, err := db.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer conn.Close()

		sender, closeSender, err := notify.OpenSender(ctx, cfg)
		if err != nil {
			return err
		}
		notifier, err := notify.NewNotifier(sender, cfg.BaseURL)
		if err != nil {
			_ = closeSender()
			return err
		}

		svc := server.NewServices(conn, notifier, cfg)
		sent, err := svc.Tasks.SendDeadlineReminders(ctx, within)
		// Flush async deliveries before exiting.
		if cerr := closeSender(); cerr != nil {
			log.Warn("close notification sender", logger.Err(cerr))
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d reminder(s)\n", sent)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(remindCmd)
	remindCmd.Flags().DurationVar(&remindWithin, "within", 0, "lookahead window (defaults to REMINDER_LOOKAHEAD)")
}
