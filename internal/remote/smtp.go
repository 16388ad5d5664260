package remote

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"

	"mailur.link/mailur/internal/settings"
)

// Send submits a raw message through the account's SMTP endpoint. The
// envelope is taken from the message headers; Bcc is stripped from the
// transmitted copy. Gmail files the result into \Sent itself, so the next
// fetch pass picks it up.
func Send(ctx context.Context, account settings.Account, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from, rcpts, err := envelope(raw)
	if err != nil {
		return err
	}
	if len(rcpts) == 0 {
		return errors.New("remote: message has no recipients")
	}

	addr := fmt.Sprintf("%s:%d", account.SMTPHost, account.SMTPPort)
	cli, err := smtp.DialStartTLS(addr, nil)
	if err != nil {
		return errors.Wrapf(err, "remote: dialing %s", addr)
	}
	defer cli.Close()

	auth := sasl.NewPlainClient("", account.Username, account.Password)
	if err := cli.Auth(auth); err != nil {
		return errors.Wrapf(ErrAuth, "%s: %s", account.Username, err)
	}

	if err := cli.Mail(from, nil); err != nil {
		return errors.Wrap(err, "remote: MAIL FROM")
	}
	for _, rcpt := range rcpts {
		if err := cli.Rcpt(rcpt, nil); err != nil {
			return errors.Wrapf(err, "remote: RCPT TO %s", rcpt)
		}
	}

	w, err := cli.Data()
	if err != nil {
		return errors.Wrap(err, "remote: DATA")
	}
	if _, err := w.Write(stripBcc(raw)); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "remote: writing message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "remote: finishing message")
	}
	return cli.Quit()
}

// envelope extracts the SMTP sender and recipient list from the headers.
func envelope(raw []byte) (string, []string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return "", nil, errors.Wrap(err, "remote: parsing message")
	}
	h := mr.Header

	froms, err := h.AddressList("From")
	if err != nil || len(froms) == 0 {
		return "", nil, errors.New("remote: message has no From address")
	}

	var rcpts []string
	for _, field := range []string{"To", "Cc", "Bcc"} {
		list, err := h.AddressList(field)
		if err != nil {
			continue
		}
		for _, a := range list {
			rcpts = append(rcpts, a.Address)
		}
	}
	return froms[0].Address, rcpts, nil
}

// stripBcc removes the Bcc header, with its continuation lines, from the
// transmitted copy.
func stripBcc(raw []byte) []byte {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return raw
	}
	header := raw[:headerEnd+2]
	rest := raw[headerEnd+2:]

	var out []byte
	skipping := false
	for len(header) > 0 {
		nl := bytes.Index(header, []byte("\r\n"))
		if nl < 0 {
			nl = len(header) - 2
		}
		line := header[:nl+2]
		header = header[nl+2:]

		if skipping && (bytes.HasPrefix(line, []byte(" ")) || bytes.HasPrefix(line, []byte("\t"))) {
			continue
		}
		skipping = false
		if len(line) >= 4 && bytes.EqualFold(line[:4], []byte("bcc:")) {
			skipping = true
			continue
		}
		out = append(out, line...)
	}
	return append(out, rest...)
}
