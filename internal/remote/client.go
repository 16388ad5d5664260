// Package remote talks to the remote IMAP/SMTP account: incremental
// fetching into the local Src mailbox and, for Gmail, bidirectional flag
// reconciliation.
package remote

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"

	"mailur.link/mailur/internal/settings"
)

// ErrAuth marks login failures so callers can surface them to the user
// instead of retrying.
var ErrAuth = errors.New("remote: authentication failed")

// Folder identifies a remote folder either by name or by special-use tag.
type Folder struct {
	Box string
	Tag string
}

func (f Folder) String() string {
	if f.Tag != "" {
		return f.Tag
	}
	return f.Box
}

// Conn is one live connection to the remote server.
type Conn struct {
	cli     *client.Client
	account settings.Account

	// selected folder state
	folder Folder
	mbox   *imap.MailboxStatus
}

// Dial connects and logs in.
func Dial(ctx context.Context, account settings.Account) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)
	cli, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "remote: dialing %s", addr)
	}
	if err := cli.Login(account.Username, account.Password); err != nil {
		_ = cli.Logout()
		return nil, errors.Wrapf(ErrAuth, "%s: %s", account.Username, err)
	}
	return &Conn{cli: cli, account: account}, nil
}

// Close logs out.
func (c *Conn) Close() error {
	if c.cli == nil {
		return nil
	}
	err := c.cli.Logout()
	c.cli = nil
	return err
}

// Select opens a folder by name.
func (c *Conn) Select(box string, readonly bool) error {
	mbox, err := c.cli.Select(box, readonly)
	if err != nil {
		return errors.Wrapf(err, "remote: selecting %q", box)
	}
	c.folder = Folder{Box: box}
	c.mbox = mbox
	return nil
}

// SelectTag opens the folder carrying a special-use attribute (\All,
// \Junk, \Trash, \Sent). Gmail advertises these via XLIST/SPECIAL-USE.
func (c *Conn) SelectTag(tag string, readonly bool) error {
	box, err := c.findTag(tag)
	if err != nil {
		return err
	}
	mbox, err := c.cli.Select(box, readonly)
	if err != nil {
		return errors.Wrapf(err, "remote: selecting %q (%s)", box, tag)
	}
	c.folder = Folder{Box: box, Tag: tag}
	c.mbox = mbox
	return nil
}

// SelectFolder opens f by name when set, by tag otherwise. The tag is
// kept on the selected state either way, it drives cursor keys and flag
// mapping.
func (c *Conn) SelectFolder(f Folder, readonly bool) error {
	if f.Box != "" {
		if err := c.Select(f.Box, readonly); err != nil {
			return err
		}
		c.folder.Tag = f.Tag
		return nil
	}
	return c.SelectTag(f.Tag, readonly)
}

func (c *Conn) findTag(tag string) (string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.cli.List("", "*", mailboxes)
	}()

	box := ""
	for info := range mailboxes {
		for _, attr := range info.Attributes {
			if strings.EqualFold(attr, tag) {
				box = info.Name
			}
		}
	}
	if err := <-done; err != nil {
		return "", errors.Wrap(err, "remote: listing folders")
	}
	if box == "" {
		return "", errors.Errorf("remote: no folder tagged %s", tag)
	}
	return box, nil
}

// HasTag reports whether some folder carries the special-use attribute.
func (c *Conn) HasTag(tag string) bool {
	_, err := c.findTag(tag)
	return err == nil
}

// Status returns UIDVALIDITY and UIDNEXT of the selected folder.
func (c *Conn) Status() (validity, next uint32) {
	if c.mbox == nil {
		return 0, 0
	}
	return c.mbox.UidValidity, c.mbox.UidNext
}

// Selected returns the currently selected folder.
func (c *Conn) Selected() Folder {
	return c.folder
}

// UIDsSince returns UIDs >= uidnext in the selected folder. The UID n:*
// search always matches the last message, so the result is re-filtered.
func (c *Conn) UIDsSince(uidnext uint32) ([]uint32, error) {
	if uidnext == 0 {
		uidnext = 1
	}
	criteria := imap.NewSearchCriteria()
	interval := new(imap.SeqSet)
	interval.AddRange(uidnext, 0)
	criteria.Uid = interval

	uids, err := c.cli.UidSearch(criteria)
	if err != nil {
		return nil, errors.Wrap(err, "remote: uid search")
	}
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid >= uidnext {
			out = append(out, uid)
		}
	}
	return out, nil
}

// Message is one fetched remote message.
type Message struct {
	UID    uint32
	Flags  []string
	Labels []string
	MsgID  string
	ThrID  string
	Date   time.Time
	Raw    []byte
}

// FetchFull downloads the given UIDs with flags, internal date and, for
// Gmail, the X-GM items.
func (c *Conn) FetchFull(uids []uint32, gmail bool) ([]Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchUid, imap.FetchInternalDate, imap.FetchFlags,
		section.FetchItem(),
	}
	if gmail {
		items = append(items, fetchGmailLabels, fetchGmailMsgID, fetchGmailThrID)
	}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.cli.UidFetch(seqSet, items, messages)
	}()

	var out []Message
	var readErr error
	for msg := range messages {
		m := Message{
			UID:   msg.Uid,
			Flags: dropRecent(msg.Flags),
			Date:  msg.InternalDate,
		}
		if body := msg.GetBody(section); body != nil {
			raw, err := io.ReadAll(body)
			if err != nil {
				readErr = errors.Wrap(err, "remote: reading body")
				continue
			}
			m.Raw = raw
		}
		if gmail {
			m.Labels = itemStrings(msg.Items[fetchGmailLabels])
			m.MsgID = itemString(msg.Items[fetchGmailMsgID])
			m.ThrID = itemString(msg.Items[fetchGmailThrID])
		}
		out = append(out, m)
	}
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "remote: fetching messages")
	}
	if readErr != nil {
		return nil, readErr
	}
	return out, nil
}

// FetchMsgIDs returns the X-GM-MSGID for each UID, without bodies.
func (c *Conn) FetchMsgIDs(uids []uint32) (map[uint32]string, error) {
	if len(uids) == 0 {
		return map[uint32]string{}, nil
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchUid, fetchGmailMsgID}
	messages := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- c.cli.UidFetch(seqSet, items, messages)
	}()

	out := map[uint32]string{}
	for msg := range messages {
		if msgid := itemString(msg.Items[fetchGmailMsgID]); msgid != "" {
			out[msg.Uid] = msgid
		}
	}
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "remote: fetching msgids")
	}
	return out, nil
}

func dropRecent(flags []string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if f == imap.RecentFlag {
			continue
		}
		out = append(out, f)
	}
	return out
}

// GetFolders returns the folders to fetch for an account: Gmail syncs
// \All, \Junk and \Trash; a generic server syncs \All when advertised,
// otherwise INBOX plus \Sent when present.
func GetFolders(ctx context.Context, account settings.Account) ([]Folder, error) {
	if account.Gmail() {
		return []Folder{{Tag: `\All`}, {Tag: `\Junk`}, {Tag: `\Trash`}}, nil
	}

	conn, err := Dial(ctx, account)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if conn.HasTag(`\All`) {
		return []Folder{{Tag: `\All`}}, nil
	}
	folders := []Folder{{Box: "INBOX", Tag: `\Inbox`}}
	if conn.HasTag(`\Sent`) {
		folders = append(folders, Folder{Tag: `\Sent`})
	}
	return folders, nil
}
