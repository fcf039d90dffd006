package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "taskdesk",
	Short: "TaskDesk task assignment server",
	Long: `TaskDesk is a task assignment web application with administrator
registration keys. Usage:

	taskdesk server
	taskdesk migrate up
	taskdesk keys create --created-by ops@example.com --max-uses 1
`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg := config.LoadConfig()
		logger.Init(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level, ServiceName: "taskdesk"})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
