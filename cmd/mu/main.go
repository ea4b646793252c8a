// mu control-plane server: verifies chat-ops webhooks, runs the command
// pipeline against the repo store, and drives outbound delivery.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mu-ops/mu/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	var configDir string

	rootCmd := &cobra.Command{
		Use:           version.AppName,
		Short:         "mu chat-ops control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir",
		getEnv("MU_CONFIG_DIR", "./config"), "path to configuration directory")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the control-plane server",
		RunE: func(cmd *cobra.Command, args []string) error {
			loadDotEnv(configDir)
			return serve(cmd.Context(), configDir)
		},
	}

	rootCmd.AddCommand(versionCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadDotEnv loads .env from the config directory when present.
func loadDotEnv(configDir string) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
		return
	}
	slog.Info("loaded environment", "path", envPath)
}
