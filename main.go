package main

import (
	"context"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"binance-signal-engine/config"
	"binance-signal-engine/internal/auth"
	"binance-signal-engine/internal/database"
	"binance-signal-engine/internal/logging"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "signal-engine",
	Short: "Futures signal scanner and BTC-correlation confirmation engine",
	Long: `Scans the most liquid perpetual futures pairs, emits BUY/SELL candidates
and confirms or rejects each one against the BTC regime before publishing it.

Commands:
    serve          run the scanner, confirmation engine, scheduler and API (default)
    migrate        create or upgrade the signal store schema
    sample-config  write a config file with every default
    hash-token     print the bcrypt hash of an operator token
    issue-token    sign an operator JWT`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; the environment may already be set
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		return nil
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and the REST API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the signal store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		backend, err := database.Open(ctx, cfg.Storage, logger)
		if err != nil {
			return err
		}
		defer backend.Close()
		logger.Info("Schema is up to date", "driver", cfg.Storage.Driver)
		return nil
	},
}

var sampleConfigCmd = &cobra.Command{
	Use:   "sample-config [file]",
	Short: "Write a config file with every default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultConfigFile
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.GenerateSampleConfig(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sample config written to %s\n", path)
		return nil
	},
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token <token>",
	Short: "Print the bcrypt hash to use as auth.operator_token_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashToken(args[0], bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var (
	tokenSubject string
	tokenAdmin   bool
	tokenTTL     time.Duration
)

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token",
	Short: "Sign an operator JWT with auth.jwt_secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is not set")
		}
		token, err := auth.NewJWTManager(cfg.Auth.JWTSecret, tokenTTL).GenerateToken(auth.OperatorClaims{
			Subject: tokenSubject,
			IsAdmin: tokenAdmin,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	issueTokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	issueTokenCmd.Flags().BoolVar(&tokenAdmin, "admin", true, "grant privileged access")
	issueTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, migrateCmd, sampleConfigCmd, hashTokenCmd, issueTokenCmd)
}

// loadConfig reads and validates the config and installs the default logger
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		Format:     cfg.Logging.Format,
		Component:  "main",
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	logging.SetDefault(logger)
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
