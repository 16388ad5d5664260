package localstore

import (
	"bytes"
	"context"
	"time"

	"github.com/emersion/go-imap/v2"
)

// SettingsMailbox stores settings documents in the Sys mailbox: one message
// per revision, the key in the Subject header, the JSON document in the
// body. It satisfies the settings.Mailbox seam.
type SettingsMailbox struct {
	c *Client
}

// Settings returns the Sys-backed settings mailbox.
func (c *Client) Settings() *SettingsMailbox {
	return &SettingsMailbox{c: c}
}

// Latest returns the newest revision of key.
func (b *SettingsMailbox) Latest(ctx context.Context, key string) ([]byte, bool, error) {
	var body []byte
	var found bool
	err := b.c.WithMailbox(ctx, Sys, true, func(s *Session) error {
		uids, err := s.SearchUIDs(&imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: key}},
		})
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			return nil
		}
		msgs, err := s.FetchMessages(uids)
		if err != nil {
			return err
		}
		// SEARCH HEADER matches substrings, keep exact subjects only
		for _, msg := range msgs {
			if headerValue(msg.Raw, "Subject") != key {
				continue
			}
			body = messageBody(msg.Raw)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return body, found, nil
}

// Append stores a new revision of key.
func (b *SettingsMailbox) Append(ctx context.Context, key string, body []byte) error {
	raw := append([]byte("Subject: "+key+"\r\n\r\n"), body...)
	return b.c.WithMailbox(ctx, Sys, false, func(s *Session) error {
		return s.MultiAppend(Sys, []AppendMessage{{Raw: raw, Date: time.Now()}})
	})
}

func messageBody(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[i+4:]
	}
	return nil
}
