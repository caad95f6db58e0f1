// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for the Fleetwarden engine
// using the Cobra library: the root command, the serve/backup/minion
// subcommands, flags, and the entry point.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetwarden/fleetwarden/internal/config"
	"github.com/fleetwarden/fleetwarden/internal/db"
	"github.com/fleetwarden/fleetwarden/internal/logging"
)

var version = "dev" // set by the linker

var cfgFile string

// Config is the full engine configuration, loaded with the precedence
// defaults < fleetwarden.yaml < FLEETWARDEN_* environment < flags.
type Config struct {
	Listen   string `mapstructure:"listen"`
	Debug    bool   `mapstructure:"debug"`
	Database struct {
		Type string `mapstructure:"type"`
		DSN  string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	API struct {
		Token string `mapstructure:"token"`
	} `mapstructure:"api"`
	MQTT struct {
		Broker   string `mapstructure:"broker"`
		ClientID string `mapstructure:"client_id"`
	} `mapstructure:"mqtt"`
	Trust struct {
		RegistryPath string `mapstructure:"registry_path"`
	} `mapstructure:"trust"`
	Watchdog struct {
		IntervalSeconds int `mapstructure:"interval_seconds"`
	} `mapstructure:"watchdog"`
	Backup struct {
		Host            string `mapstructure:"host"`
		User            string `mapstructure:"user"`
		HostKey         string `mapstructure:"host_key"`
		Target          string `mapstructure:"target"`
		SourceDir       string `mapstructure:"source_dir"`
		Passphrase      string `mapstructure:"passphrase"`
		KeyFile         string `mapstructure:"key_file"`
		IntervalMinutes int    `mapstructure:"interval_minutes"`
	} `mapstructure:"backup"`
}

func configDefaults() map[string]any {
	return map[string]any{
		"listen":                    ":8420",
		"debug":                     false,
		"database.type":             "sqlite",
		"database.dsn":              "./fleetwarden.db",
		"mqtt.broker":               "tcp://localhost:1883",
		"mqtt.client_id":            "fleetwarden",
		"trust.registry_path":       "./registry.yaml",
		"watchdog.interval_seconds": 5,
		"backup.interval_minutes":   60,
	}
}

var cfg Config

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Cobra already printed the error.
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleetwarden",
		Short: "Fleetwarden keeps a fleet's trust ledger, command dispatch and backups in one place.",
		Long: `Fleetwarden is the control-plane engine for a minion fleet.
It records which minion keys are trusted, dispatches commands over the
fleet bus with watchdog timeouts, and pushes encrypted backups to a
remote repository. A database is the source of truth.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig[Config](cmd, configDefaults(), &cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			applyFlagOverrides(cmd)
			logging.SetDebug(cfg.Debug)
			db.SetDebug(cfg.Debug)
			if err := db.InitDB(cfg.Database.Type, cfg.Database.DSN); err != nil {
				return fmt.Errorf("initialize database: %w", err)
			}
			return nil
		},
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newMinionCmd())
	cmd.AddCommand(newAuditCmd())

	cmd.Version = version

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches /etc/fleetwarden and the user config dir)")
	cmd.PersistentFlags().String("db-type", "", "database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("db-dsn", "", "database connection string (DSN)")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	return cmd
}

// applyFlagOverrides lets persistent flags win over file and environment
// configuration. The dashed flag names do not map onto the nested viper
// keys, so the override happens here explicitly.
func applyFlagOverrides(cmd *cobra.Command) {
	flags := cmd.Root().PersistentFlags()
	if flags.Changed("db-type") {
		cfg.Database.Type, _ = flags.GetString("db-type")
	}
	if flags.Changed("db-dsn") {
		cfg.Database.DSN, _ = flags.GetString("db-dsn")
	}
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}
}
