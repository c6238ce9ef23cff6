package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	appconfig "github.com/cliplens/cliplens/config"
	srv "github.com/cliplens/cliplens/internal/server"
	"github.com/cliplens/cliplens/internal/store"
)

func main() {
	var root = &cobra.Command{Use: "cliplens"}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			if cfg.Server.Address == "" {
				cfg.Server.Address = getenv("CLIPLENS_HTTP_ADDR", ":8080")
			}
			return srv.Run(cfg)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(configPath)
			if err != nil {
				return err
			}
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				dsn, err = cfg.Storage.Postgres.DSN()
				if err != nil {
					return err
				}
			}
			st, err := store.New(context.Background(), dsn)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Migrate()
		},
	}

	root.AddCommand(serve, migrate)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
