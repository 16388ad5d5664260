package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"mailur.link/mailur/internal/config"
	"mailur.link/mailur/internal/localstore"
	"mailur.link/mailur/internal/logging"
	"mailur.link/mailur/internal/settings"
)

// app bundles the dependencies every command needs.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	local    *localstore.Client
	settings *settings.Store
}

func newApp(cmd *cobra.Command) (*app, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := config.Default()
	if path := resolveConfigPath(cmd); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	creds, err := config.CredsFromEnv()
	if err != nil {
		return nil, err
	}

	log := logging.New("mailur")
	slog.SetDefault(log)

	local := localstore.New(localstore.Config{
		Addr:     cfg.Local.Addr,
		User:     creds.User,
		Pass:     creds.Pass,
		StartTLS: cfg.Local.StartTLS,
		Insecure: cfg.Local.Insecure,
		Log:      logging.WithComponent(log, "localstore"),
	})

	return &app{
		cfg:      cfg,
		log:      log,
		local:    local,
		settings: settings.New(local.Settings()),
	}, nil
}

func (a *app) ctx(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// account loads the remote account from the settings mailbox.
func (a *app) account(ctx context.Context) (settings.Account, error) {
	account, ok, err := a.settings.Account(ctx)
	if err != nil {
		return settings.Account{}, err
	}
	if !ok {
		return settings.Account{}, errNoAccount
	}
	return account, nil
}
