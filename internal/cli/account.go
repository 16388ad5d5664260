package cli

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mailur.link/mailur/internal/remote"
	"mailur.link/mailur/internal/settings"
)

const envRemotePass = "MAILUR_REMOTE_PASS"

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Store the remote account in the settings mailbox",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		ctx := a.ctx(cmd)

		password := os.Getenv(envRemotePass)
		if password == "" {
			return errors.Errorf("%s environment variable is required", envRemotePass)
		}

		username, _ := cmd.Flags().GetString("username")
		imapHost, _ := cmd.Flags().GetString("imap-host")
		smtpHost, _ := cmd.Flags().GetString("smtp-host")
		account := settings.Account{
			Username: username,
			Password: password,
			IMAPHost: imapHost,
			SMTPHost: smtpHost,
		}
		if err := account.Validate(); err != nil {
			return err
		}

		// reject bad credentials before persisting them
		conn, err := remote.Dial(ctx, account)
		if err != nil {
			return err
		}
		_ = conn.Close()

		if err := a.local.EnsureMailboxes(ctx); err != nil {
			return err
		}
		if err := a.settings.SetAccount(ctx, account); err != nil {
			return err
		}
		a.log.Info("account stored", "username", account.Username, "imap", account.IMAPHost)
		return nil
	},
}

func init() {
	accountCmd.Flags().String("username", "", "Remote account login")
	accountCmd.Flags().String("imap-host", "imap.gmail.com", "Remote IMAP host")
	accountCmd.Flags().String("smtp-host", "smtp.gmail.com", "Remote SMTP host")
}
