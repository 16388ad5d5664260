package cli

import (
	"context"

	"github.com/spf13/cobra"

	"mailur.link/mailur/internal/logging"
	"mailur.link/mailur/internal/telemetry"
	"mailur.link/mailur/internal/web"
)

// version is stamped by the build.
var version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		ctx := a.ctx(cmd)

		shutdown, err := telemetry.Setup(ctx, "mailur", version)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()

		if err := a.local.EnsureMailboxes(ctx); err != nil {
			return err
		}

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.HTTP.Addr
		}

		server := &web.Server{
			Mail:     a.local,
			Settings: a.settings,
			Log:      logging.WithComponent(a.log, "web"),
		}
		app := server.App()

		go func() {
			<-ctx.Done()
			_ = app.Shutdown()
		}()

		a.log.Info("serving", "addr", addr)
		return app.Listen(addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
}
