package cli

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/re-cinq/taskline/internal/api"
	"github.com/re-cinq/taskline/internal/config"
)

var servePort int

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Dashboard HTTP/WS port (defaults to DASHBOARD_PORT or config api.port)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Read/Stream API (GET /api/db, WS /ws) over the state store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}
		env := config.LoadEnvOverrides()

		port := servePort
		if port == 0 {
			port = env.DashboardPort
		}
		if port == 0 {
			port = cfg.API.Port
		}

		st, err := openStore(env)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		defer st.Close()

		logger := log.New(os.Stderr, "api: ", log.LstdFlags)
		srv := api.New(st, logger)

		addr := fmt.Sprintf(":%d", port)
		fmt.Printf("taskline dashboard API listening on %s\n", addr)
		return http.ListenAndServe(addr, srv.Handler())
	},
}
