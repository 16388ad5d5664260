package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mailur.link/mailur/internal/localstore"
	"mailur.link/mailur/internal/lock"
	"mailur.link/mailur/internal/logging"
	"mailur.link/mailur/internal/remote"
	"mailur.link/mailur/internal/telemetry"
)

var errNoAccount = errors.New("no remote account configured, run: mailur account")

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch new mail, parse it and sync flags",
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

		interval, _ := cmd.Flags().GetDuration("interval")
		return runLocked(a.cfg.State, "sync", a.log, func() error {
			for {
				runCtx, cancel := context.WithTimeout(ctx, a.cfg.Sync.Timeout)
				err := a.syncOnce(runCtx, cmd)
				cancel()
				if err != nil {
					if interval <= 0 {
						return err
					}
					a.log.Error("sync pass failed", "err", err)
				}
				if interval <= 0 {
					return nil
				}
				select {
				case <-time.After(interval):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	},
}

// runLocked runs fn while holding the named state lock. When another
// process holds it, fn is skipped with a warning and the work is left to
// that process.
func runLocked(stateDir, name string, log *slog.Logger, fn func() error) error {
	guard, err := lock.Acquire(stateDir, name)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			log.Warn("lock is taken, skipping", "lock", name)
			return nil
		}
		return err
	}
	defer guard.Release()
	return fn()
}

func init() {
	syncCmd.Flags().String("box", "", "Fetch a single remote folder by name")
	syncCmd.Flags().String("tag", "", "Fetch a single remote folder by special-use tag")
	syncCmd.Flags().Bool("only-flags", false, "Skip fetching, only reconcile flags")
	syncCmd.Flags().Duration("interval", 0, "Keep running, one pass per interval")
}

func (a *app) syncOnce(ctx context.Context, cmd *cobra.Command) error {
	account, err := a.account(ctx)
	if err != nil {
		return err
	}

	onlyFlags, _ := cmd.Flags().GetBool("only-flags")
	if !onlyFlags {
		fetcher := &remote.Fetcher{
			Local:    a.local,
			Settings: a.settings,
			Account:  account,
			Dial:     remote.DialFolder,
			Log:      logging.WithComponent(a.log, "fetch"),
		}

		box, _ := cmd.Flags().GetString("box")
		tag, _ := cmd.Flags().GetString("tag")
		if box != "" || tag != "" {
			_, err = fetcher.Fetch(ctx, remote.Folder{Box: box, Tag: tag})
		} else {
			_, err = fetcher.FetchAll(ctx)
		}
		if err != nil {
			return err
		}

		parser := &localstore.Parser{
			Local: a.local,
			Log:   logging.WithComponent(a.log, "parse"),
		}
		if _, err := parser.Parse(ctx); err != nil {
			return err
		}
	}

	reconciler := &remote.Reconciler{
		Local:    a.local,
		Settings: a.settings,
		Account:  account,
		Dial:     remote.DialGmailFolder,
		Log:      logging.WithComponent(a.log, "flags"),
	}
	return reconciler.Sync(ctx)
}
