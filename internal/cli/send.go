package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"mailur.link/mailur/internal/localstore"
	"mailur.link/mailur/internal/logging"
	"mailur.link/mailur/internal/remote"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a raw message through the remote SMTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		ctx := a.ctx(cmd)

		account, err := a.account(ctx)
		if err != nil {
			return err
		}

		file, _ := cmd.Flags().GetString("file")
		var raw []byte
		if file == "" || file == "-" {
			raw, err = io.ReadAll(cmd.InOrStdin())
		} else {
			raw, err = os.ReadFile(file)
		}
		if err != nil {
			return err
		}

		if err := remote.Send(ctx, account, raw); err != nil {
			return err
		}
		a.log.Info("message sent", "bytes", len(raw))

		// the remote files the sent copy itself, Gmail into \All and
		// generic servers into \Sent, fetch it back right away so the
		// thread shows the reply without waiting for the next pass. A
		// running sync daemon holds the lock and picks the copy up on
		// its own pass instead.
		return runLocked(a.cfg.State, "sync", a.log, func() error {
			fetcher := &remote.Fetcher{
				Local:    a.local,
				Settings: a.settings,
				Account:  account,
				Dial:     remote.DialFolder,
				Log:      logging.WithComponent(a.log, "fetch"),
			}
			if _, err := fetcher.FetchAll(ctx); err != nil {
				return err
			}
			parser := &localstore.Parser{
				Local: a.local,
				Log:   logging.WithComponent(a.log, "parse"),
			}
			_, err := parser.Parse(ctx)
			return err
		})
	},
}

func init() {
	sendCmd.Flags().String("file", "", "Message file to send, - for stdin")
}
