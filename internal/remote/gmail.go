package remote

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/responses"
	"github.com/pkg/errors"
)

// Gmail extension fetch items. The library returns unknown items raw in
// Message.Items.
const (
	fetchGmailMsgID  imap.FetchItem = "X-GM-MSGID"
	fetchGmailThrID  imap.FetchItem = "X-GM-THRID"
	fetchGmailLabels imap.FetchItem = "X-GM-LABELS"
)

func itemString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case uint64, int64, int, uint32:
		return fmt.Sprintf("%d", value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func itemStrings(v any) []string {
	switch value := v.(type) {
	case nil:
		return nil
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, raw := range value {
			out = append(out, itemString(raw))
		}
		return out
	case string:
		if value == "" {
			return nil
		}
		return []string{value}
	default:
		return []string{itemString(value)}
	}
}

// SearchMsgID returns the UIDs carrying an X-GM-MSGID in the selected
// folder.
func (c *Conn) SearchMsgID(msgid string) ([]uint32, error) {
	cmd := &gmailMsgIDSearch{MsgID: msgid}
	resp := &responses.Search{}
	if _, err := c.cli.Execute(cmd, resp); err != nil {
		return nil, errors.Wrap(err, "remote: msgid search")
	}
	return resp.Ids, nil
}

// StoreLabels adds or removes X-GM-LABELS on the given UIDs.
func (c *Conn) StoreLabels(uids []uint32, add bool, labels []string) error {
	if len(uids) == 0 || len(labels) == 0 {
		return nil
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	cmd := &gmailStoreLabels{SeqSet: seqSet, Add: add, Labels: labels}
	if _, err := c.cli.Execute(cmd, nil); err != nil {
		return errors.Wrap(err, "remote: storing labels")
	}
	return nil
}

// StoreSeen sets or clears \Seen on the given UIDs, silently.
func (c *Conn) StoreSeen(uids []uint32, seen bool) error {
	if len(uids) == 0 {
		return nil
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	op := imap.RemoveFlags
	if seen {
		op = imap.AddFlags
	}
	item := imap.FormatFlagsOp(op, true)
	if err := c.cli.UidStore(seqSet, item, []any{imap.SeenFlag}, nil); err != nil {
		return errors.Wrap(err, "remote: storing seen")
	}
	return nil
}

// ChangedSince fetches UID, FLAGS, X-GM-LABELS and X-GM-MSGID for every
// message changed after modseq, via CONDSTORE's CHANGEDSINCE modifier.
func (c *Conn) ChangedSince(modseq uint64) ([]Change, error) {
	full := new(imap.SeqSet)
	full.AddRange(1, 0)

	messages := make(chan *imap.Message, 64)
	cmd := &fetchChangedSince{ModSeq: modseq}
	resp := &responses.Fetch{Messages: messages, SeqSet: full}

	done := make(chan []Change, 1)
	go func() {
		var out []Change
		for msg := range messages {
			change := Change{
				UID:    msg.Uid,
				Flags:  dropRecent(msg.Flags),
				Labels: itemStrings(msg.Items[fetchGmailLabels]),
				MsgID:  itemString(msg.Items[fetchGmailMsgID]),
			}
			if change.UID != 0 && change.MsgID != "" {
				out = append(out, change)
			}
		}
		done <- out
	}()

	_, err := c.cli.Execute(cmd, resp)
	close(messages)
	out := <-done
	if err != nil {
		return nil, errors.Wrap(err, "remote: changedsince fetch")
	}
	return out, nil
}

// Change is one remote flag change.
type Change struct {
	UID    uint32
	Flags  []string
	Labels []string
	MsgID  string
}

// HighestModSeq returns the selected folder's HIGHESTMODSEQ.
func (c *Conn) HighestModSeq() uint64 {
	if c.mbox == nil {
		return 0
	}
	return c.mbox.HighestModSeq
}

type gmailMsgIDSearch struct {
	MsgID string
}

func (s *gmailMsgIDSearch) Command() *imap.Command {
	return &imap.Command{
		Name:      "UID SEARCH",
		Arguments: []any{imap.RawString("X-GM-MSGID " + s.MsgID)},
	}
}

type gmailStoreLabels struct {
	SeqSet *imap.SeqSet
	Add    bool
	Labels []string
}

func (s *gmailStoreLabels) Command() *imap.Command {
	op := "-X-GM-LABELS"
	if s.Add {
		op = "+X-GM-LABELS"
	}
	return &imap.Command{
		Name: "UID STORE",
		Arguments: []any{
			s.SeqSet,
			imap.RawString(op),
			imap.RawString("(" + strings.Join(s.Labels, " ") + ")"),
		},
	}
}

type fetchChangedSince struct {
	ModSeq uint64
}

func (f *fetchChangedSince) Command() *imap.Command {
	return &imap.Command{
		Name: "FETCH",
		Arguments: []any{
			imap.RawString("1:*"),
			imap.RawString("(UID X-GM-MSGID X-GM-LABELS FLAGS)"),
			imap.RawString(fmt.Sprintf("(CHANGEDSINCE %d)", f.ModSeq)),
		},
	}
}
