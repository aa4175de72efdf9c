package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/memorybridge/internal/config"
	"github.com/zulandar/memorybridge/internal/db"
	"github.com/zulandar/memorybridge/internal/logging"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "memorybridge.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mb",
		Short: "Memory Bridge: capture conversations, extract the actions",
		Long: "Memory Bridge records a conversation, transcribes it in real time and keeps a " +
			"deduplicated list of the commitments, tasks and reminders it contains.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRecordCmd())
	cmd.AddCommand(newActionsCmd())
	cmd.AddCommand(newUsageCmd())
	cmd.AddCommand(newSweepCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mb %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// connectFromConfig loads the config file, opens the database and migrates
// it, and builds the logger.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, nil, nil, err
	}
	return cfg, gormDB, logger, nil
}

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to Memory Bridge config file")
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
