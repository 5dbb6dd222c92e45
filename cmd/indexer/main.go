package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zali-labs/quest-indexer/internal/app"
	"github.com/zali-labs/quest-indexer/internal/config"
	"github.com/zali-labs/quest-indexer/pkg/utils"
)

var (
	version = "1.0.0"

	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quest-indexer",
		Short: "Celo quest contract event indexer",
		Long: `quest-indexer follows the knowledge quest contract on Celo,
indexes its events into player, question and global statistics, and
serves them over a REST and WebSocket API with live notifications.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd(), backfillCmd(), configCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if err := utils.InitLogger(level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.File); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the indexer: live polling, API server and notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			application, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := application.Start(ctx); err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigChan
			utils.GetLogger().WithField("signal", sig.String()).Info("Shutdown signal received")

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			return application.Stop(stopCtx)
		},
	}
}

func backfillCmd() *cobra.Command {
	var fromBlock, toBlock uint64

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay a historical block range through the indexing pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			application, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			return application.Backfill(ctx, fromBlock, toBlock)
		},
	}

	cmd.Flags().Uint64Var(&fromBlock, "from", 0, "first block to replay")
	cmd.Flags().Uint64Var(&toBlock, "to", 0, "last block to replay (0 means current confirmed head)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("Configuration is valid")
			fmt.Printf("  chain RPC:  %s\n", cfg.Chain.RPCURL)
			fmt.Printf("  contract:   %s\n", cfg.Chain.ContractAddress)
			fmt.Printf("  storage:    %s\n", cfg.Storage.Type)
			fmt.Printf("  server:     %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			return nil
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("quest-indexer %s\n", version)
		},
	}
}
