// Command scan-server runs the deplAI scan engine HTTP server.
package main

import (
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/deplai/scan-engine/pkg/api"
	"github.com/deplai/scan-engine/pkg/config"
	"github.com/deplai/scan-engine/pkg/core/docker"
	"github.com/deplai/scan-engine/pkg/core/runner"
	"github.com/deplai/scan-engine/pkg/core/tools"
	"github.com/deplai/scan-engine/pkg/hosting/github"
	"github.com/deplai/scan-engine/pkg/infrastructure/persistence"
	"github.com/deplai/scan-engine/pkg/logger"
	"github.com/deplai/scan-engine/pkg/metrics"
	"github.com/deplai/scan-engine/pkg/service"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "scan-server",
	Short: "deplAI security scan engine",
	Long:  "Runs the end-to-end repository security scan workflow behind an HTTP API.",
	RunE:  func(_ *cobra.Command, _ []string) error { return serve() },
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
}

func serve() error {
	// missing .env is fine; env overrides are optional
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)
	log := logger.Component("main")

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	sandbox := docker.NewSandbox(&runner.DefaultCommandRunner{})
	toolRuntime := tools.NewRuntime(sandbox, tools.Catalog(cfg.Docker.ToolImage))

	scans, err := service.New(service.Options{
		Config:  cfg,
		Sandbox: sandbox,
		Tools:   toolRuntime,
		Hosting: github.NewClient(),
		Store:   store,
		Metrics: m,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(scans, m)
	log.Info().Str("addr", cfg.ListenAddr).Str("db_path", cfg.DBPath).Msg("scan server listening")
	return http.ListenAndServe(cfg.ListenAddr, server.Router())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("scan-server exited: " + err.Error())
		os.Exit(1)
	}
}
