package cli

import (
	"github.com/spf13/cobra"

	"mailur.link/mailur/internal/localstore"
	"mailur.link/mailur/internal/logging"
)

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Parse unprocessed Src messages into the All mailbox",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		ctx := a.ctx(cmd)

		if err := a.local.EnsureMailboxes(ctx); err != nil {
			return err
		}
		parser := &localstore.Parser{
			Local: a.local,
			Log:   logging.WithComponent(a.log, "parse"),
		}
		n, err := parser.Parse(ctx)
		if err != nil {
			return err
		}
		a.log.Info("parsed", "messages", n)
		return nil
	},
}
