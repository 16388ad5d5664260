// Package localstore wraps the local IMAP server (Dovecot) that holds the
// mirrored mail. Src keeps original messages wrapped in provenance headers,
// All keeps the parsed metadata the UI reads, Sys keeps settings documents.
package localstore

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
)

// Mailbox names.
const (
	Src = "mlr"
	All = "mlr/All"
	Sys = "mlr/Sys"
)

// Config describes the local IMAP connection.
type Config struct {
	Addr     string
	User     string
	Pass     string
	StartTLS bool
	Insecure bool
	Log      *slog.Logger
}

// Client opens short-lived connections to the local store. Every operation
// runs inside WithMailbox, which guarantees a LOGOUT on all exit paths.
type Client struct {
	cfg Config
	log *slog.Logger
}

// New returns a Client for the given connection settings.
func New(cfg Config) *Client {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log}
}

func (c *Client) dial() (*imapclient.Client, error) {
	var options *imapclient.Options
	if c.cfg.Insecure {
		options = &imapclient.Options{TLSConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	if c.cfg.StartTLS {
		return imapclient.DialStartTLS(c.cfg.Addr, options)
	}
	return imapclient.DialInsecure(c.cfg.Addr, options)
}

func (c *Client) connect() (*imapclient.Client, error) {
	cli, err := c.dial()
	if err != nil {
		return nil, errors.Wrapf(err, "localstore: dialing %s", c.cfg.Addr)
	}
	if err := cli.Login(c.cfg.User, c.cfg.Pass).Wait(); err != nil {
		_ = cli.Logout().Wait()
		return nil, errors.Wrap(err, "localstore: login")
	}
	return cli, nil
}

// CheckLogin verifies credentials against the local store. Used by the
// /login endpoint.
func (c *Client) CheckLogin(ctx context.Context, user, pass string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cli, err := c.dial()
	if err != nil {
		return errors.Wrapf(err, "localstore: dialing %s", c.cfg.Addr)
	}
	defer func() { _ = cli.Logout().Wait() }()
	return cli.Login(user, pass).Wait()
}

// EnsureMailboxes creates the engine mailboxes when missing.
func (c *Client) EnsureMailboxes(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cli, err := c.connect()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Logout().Wait() }()

	for _, name := range []string{Src, All, Sys} {
		if err := cli.Create(name, nil).Wait(); err != nil {
			// already exists
			c.log.Debug("create mailbox", "name", name, "err", err)
		}
	}
	return nil
}

// Session is a selected mailbox on a live connection.
type Session struct {
	cli      *imapclient.Client
	Mailbox  string
	Selected *imap.SelectData
}

// WithMailbox runs fn against the named mailbox on a fresh connection and
// logs out afterwards.
func (c *Client) WithMailbox(ctx context.Context, mailbox string, readonly bool, fn func(s *Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cli, err := c.connect()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Logout().Wait() }()

	selected, err := cli.Select(mailbox, &imap.SelectOptions{
		ReadOnly:  readonly,
		CondStore: true,
	}).Wait()
	if err != nil {
		return errors.Wrapf(err, "localstore: selecting %s", mailbox)
	}

	return fn(&Session{cli: cli, Mailbox: mailbox, Selected: selected})
}

// HighestModSeq returns the mailbox's HIGHESTMODSEQ from SELECT.
func (s *Session) HighestModSeq() uint64 {
	return s.Selected.HighestModSeq
}

// AppendMessage is one message for MultiAppend.
type AppendMessage struct {
	Raw   []byte
	Flags []string
	Date  time.Time
}

// MultiAppend stores a batch of messages on the session's connection. The
// wire-level MULTIAPPEND command is emulated with sequential appends;
// content-hash dedup on the next fetch makes a partially applied batch
// harmless.
func (s *Session) MultiAppend(mailbox string, msgs []AppendMessage) error {
	for i, msg := range msgs {
		options := &imap.AppendOptions{Time: msg.Date}
		for _, f := range msg.Flags {
			options.Flags = append(options.Flags, imap.Flag(f))
		}
		cmd := s.cli.Append(mailbox, int64(len(msg.Raw)), options)
		if _, err := cmd.Write(msg.Raw); err != nil {
			return errors.Wrapf(err, "localstore: appending message %d/%d", i+1, len(msgs))
		}
		if err := cmd.Close(); err != nil {
			return errors.Wrapf(err, "localstore: appending message %d/%d", i+1, len(msgs))
		}
		if _, err := cmd.Wait(); err != nil {
			return errors.Wrapf(err, "localstore: appending message %d/%d", i+1, len(msgs))
		}
	}
	return nil
}

// HeaderIndex scans the whole mailbox and maps the value of one header
// field (angle brackets stripped) to the UIDs carrying it. This is the
// dedup index: the scan fetches a single header field per message.
func (s *Session) HeaderIndex(field string) (map[string][]uint32, error) {
	index := map[string][]uint32{}
	if s.Selected.NumMessages == 0 {
		return index, nil
	}

	section := &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: []string{field},
		Peek:         true,
	}
	var seqSet imap.SeqSet
	seqSet.AddRange(1, 0)

	fetchCmd := s.cli.Fetch(seqSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		var uid uint32
		var value string
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				uid = uint32(data.UID)
			case imapclient.FetchItemDataBodySection:
				raw, err := io.ReadAll(data.Literal)
				if err != nil {
					return nil, errors.Wrap(err, "localstore: reading header")
				}
				value = headerValue(raw, field)
			}
		}
		if uid == 0 || value == "" {
			continue
		}
		index[value] = append(index[value], uid)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, errors.Wrap(err, "localstore: header scan")
	}
	return index, nil
}

// HeaderFlags is one message's flags plus a single header value.
type HeaderFlags struct {
	UID   uint32
	Flags []string
	Value string
}

// HeaderFlagsIndex scans the mailbox for one header field together with
// message flags. The threader uses it to rebuild the msgid to thread map.
func (s *Session) HeaderFlagsIndex(field string) ([]HeaderFlags, error) {
	if s.Selected.NumMessages == 0 {
		return nil, nil
	}
	section := &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: []string{field},
		Peek:         true,
	}
	var seqSet imap.SeqSet
	seqSet.AddRange(1, 0)

	fetchCmd := s.cli.Fetch(seqSet, &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	var out []HeaderFlags
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		var hf HeaderFlags
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				hf.UID = uint32(data.UID)
			case imapclient.FetchItemDataFlags:
				for _, f := range data.Flags {
					hf.Flags = append(hf.Flags, string(f))
				}
			case imapclient.FetchItemDataBodySection:
				raw, err := io.ReadAll(data.Literal)
				if err != nil {
					return nil, errors.Wrap(err, "localstore: reading header")
				}
				hf.Value = headerValue(raw, field)
			}
		}
		if hf.UID != 0 {
			out = append(out, hf)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, errors.Wrap(err, "localstore: header scan")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// Summary is flags and internal date without the body.
type Summary struct {
	UID   uint32
	Flags []string
	Date  time.Time
}

// FetchSummaries fetches flags and dates for the given UIDs.
func (s *Session) FetchSummaries(uids []uint32) ([]Summary, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var uidSet imap.UIDSet
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}
	msgs, err := s.cli.Fetch(uidSet, &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, errors.Wrap(err, "localstore: fetch summaries")
	}
	out := make([]Summary, 0, len(msgs))
	for _, msg := range msgs {
		sum := Summary{UID: uint32(msg.UID), Date: msg.InternalDate}
		for _, f := range msg.Flags {
			sum.Flags = append(sum.Flags, string(f))
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// FlagChange is one message whose flags changed.
type FlagChange struct {
	UID    uint32
	Flags  []string
	ModSeq uint64
}

// ChangedSince returns flags for every message modified after modseq.
func (s *Session) ChangedSince(modseq uint64) ([]FlagChange, error) {
	if s.Selected.NumMessages == 0 {
		return nil, nil
	}
	var seqSet imap.SeqSet
	seqSet.AddRange(1, 0)

	msgs, err := s.cli.Fetch(seqSet, &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		ModSeq:       true,
		ChangedSince: modseq,
	}).Collect()
	if err != nil {
		return nil, errors.Wrap(err, "localstore: changedsince fetch")
	}

	out := make([]FlagChange, 0, len(msgs))
	for _, msg := range msgs {
		change := FlagChange{UID: uint32(msg.UID), ModSeq: msg.ModSeq}
		for _, f := range msg.Flags {
			change.Flags = append(change.Flags, string(f))
		}
		out = append(out, change)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// StoreOp mirrors imap.StoreFlagsOp for callers outside this package.
type StoreOp int

const (
	AddFlags StoreOp = iota
	DelFlags
	SetFlags
)

// Store updates flags on the given UIDs, silently.
func (s *Session) Store(uids []uint32, op StoreOp, flags []string) error {
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}
	var uidSet imap.UIDSet
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}
	store := imap.StoreFlags{Silent: true}
	switch op {
	case AddFlags:
		store.Op = imap.StoreFlagsAdd
	case DelFlags:
		store.Op = imap.StoreFlagsDel
	case SetFlags:
		store.Op = imap.StoreFlagsSet
	}
	for _, f := range flags {
		store.Flags = append(store.Flags, imap.Flag(f))
	}
	if err := s.cli.Store(uidSet, &store, nil).Close(); err != nil {
		return errors.Wrap(err, "localstore: store flags")
	}
	return nil
}

// SearchUIDs runs a UID SEARCH and returns matching UIDs in ascending
// order.
func (s *Session) SearchUIDs(criteria *imap.SearchCriteria) ([]uint32, error) {
	data, err := s.cli.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, errors.Wrap(err, "localstore: search")
	}
	uids := data.AllUIDs()
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// FetchRaw returns the full raw body of one message.
func (s *Session) FetchRaw(uid uint32) ([]byte, error) {
	var uidSet imap.UIDSet
	uidSet.AddNum(imap.UID(uid))

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.cli.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	var raw []byte
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			if data, ok := item.(imapclient.FetchItemDataBodySection); ok {
				body, err := io.ReadAll(data.Literal)
				if err != nil {
					return nil, errors.Wrap(err, "localstore: reading body")
				}
				raw = body
			}
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, errors.Wrap(err, "localstore: fetch raw")
	}
	if raw == nil {
		return nil, errors.Errorf("localstore: uid %d not found in %s", uid, s.Mailbox)
	}
	return raw, nil
}

// Message is a fully fetched message: flags, date and raw body.
type Message struct {
	UID   uint32
	Flags []string
	Date  time.Time
	Raw   []byte
}

// FetchMessages streams full messages for the given UIDs.
func (s *Session) FetchMessages(uids []uint32) ([]Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var uidSet imap.UIDSet
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.cli.Fetch(uidSet, &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	var out []Message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		var m Message
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				m.UID = uint32(data.UID)
			case imapclient.FetchItemDataFlags:
				for _, f := range data.Flags {
					m.Flags = append(m.Flags, string(f))
				}
			case imapclient.FetchItemDataInternalDate:
				m.Date = data.Time
			case imapclient.FetchItemDataBodySection:
				raw, err := io.ReadAll(data.Literal)
				if err != nil {
					return nil, errors.Wrap(err, "localstore: reading body")
				}
				m.Raw = raw
			}
		}
		if m.UID != 0 {
			out = append(out, m)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, errors.Wrap(err, "localstore: fetch messages")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// Client-level wrappers running one scoped session per call.

// HeaderIndex scans mailbox for one header field.
func (c *Client) HeaderIndex(ctx context.Context, mailbox, field string) (map[string][]uint32, error) {
	var index map[string][]uint32
	err := c.WithMailbox(ctx, mailbox, true, func(s *Session) error {
		var ierr error
		index, ierr = s.HeaderIndex(field)
		return ierr
	})
	return index, err
}

// MultiAppend stores a batch of messages in mailbox.
func (c *Client) MultiAppend(ctx context.Context, mailbox string, msgs []AppendMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return c.WithMailbox(ctx, mailbox, false, func(s *Session) error {
		return s.MultiAppend(mailbox, msgs)
	})
}

// StoreFlags updates flags on uids in mailbox.
func (c *Client) StoreFlags(ctx context.Context, mailbox string, uids []uint32, op StoreOp, flags []string) error {
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}
	return c.WithMailbox(ctx, mailbox, false, func(s *Session) error {
		return s.Store(uids, op, flags)
	})
}

// ChangedSince returns flag changes after modseq plus the mailbox's
// current HIGHESTMODSEQ.
func (c *Client) ChangedSince(ctx context.Context, mailbox string, modseq uint64) ([]FlagChange, uint64, error) {
	var changes []FlagChange
	var highest uint64
	err := c.WithMailbox(ctx, mailbox, true, func(s *Session) error {
		highest = s.HighestModSeq()
		if modseq == 0 {
			return nil
		}
		var cerr error
		changes, cerr = s.ChangedSince(modseq)
		return cerr
	})
	return changes, highest, err
}

// SearchUIDs runs a UID SEARCH against mailbox.
func (c *Client) SearchUIDs(ctx context.Context, mailbox string, criteria *imap.SearchCriteria) ([]uint32, error) {
	var uids []uint32
	err := c.WithMailbox(ctx, mailbox, true, func(s *Session) error {
		var serr error
		uids, serr = s.SearchUIDs(criteria)
		return serr
	})
	return uids, err
}

// FetchRaw fetches one raw message from mailbox.
func (c *Client) FetchRaw(ctx context.Context, mailbox string, uid uint32) ([]byte, error) {
	var raw []byte
	err := c.WithMailbox(ctx, mailbox, true, func(s *Session) error {
		var ferr error
		raw, ferr = s.FetchRaw(uid)
		return ferr
	})
	return raw, err
}

// FetchMessages fetches full messages from mailbox.
func (c *Client) FetchMessages(ctx context.Context, mailbox string, uids []uint32) ([]Message, error) {
	var msgs []Message
	err := c.WithMailbox(ctx, mailbox, true, func(s *Session) error {
		var ferr error
		msgs, ferr = s.FetchMessages(uids)
		return ferr
	})
	return msgs, err
}

// headerValue extracts the value of field from a raw header block,
// stripping whitespace and angle brackets.
func headerValue(raw []byte, field string) string {
	prefix := field + ":"
	for _, line := range strings.Split(string(raw), "\r\n") {
		if len(line) < len(prefix) || !strings.EqualFold(line[:len(prefix)], prefix) {
			continue
		}
		value := strings.TrimSpace(line[len(prefix):])
		value = strings.TrimPrefix(value, "<")
		value = strings.TrimSuffix(value, ">")
		return value
	}
	return ""
}
