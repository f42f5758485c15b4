package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/kilupskalvis/filevault/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the vault over HTTP",
		Long: `Serve the vault over HTTP until interrupted.

The admin endpoints (/admin/gc, /admin/scrub) are enabled when
server.admin_token is set in the config or FILEVAULT_SERVER_ADMIN_TOKEN
is exported.

Examples:
  filevault serve
  filevault serve --listen 127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := server.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			return server.Run(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config)")
	return cmd
}
