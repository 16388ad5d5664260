package localstore

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/pkg/errors"

	"mailur.link/mailur/internal/tags"
)

const parseBatch = 500

// Parser turns new Src messages into metadata rows in All and threads
// them. Parse is incremental: Src messages already paired with an All row
// are skipped.
type Parser struct {
	Local *Client
	Log   *slog.Logger
}

// threadIndex resolves message ids to thread ids.
type threadIndex struct {
	byMsgID map[string]uint32
}

// assign picks the thread for a message: a remembered mlr/thrid keyword
// wins, then a References/In-Reply-To match, then a fresh thread rooted at
// the message's own origin UID.
func (idx *threadIndex) assign(meta Meta, remembered string) uint32 {
	if id, ok := tags.ParseThrid(remembered); ok {
		idx.register(meta.MsgID, id)
		return id
	}
	if id, ok := idx.byMsgID[meta.MsgID]; ok {
		return id
	}
	for i := len(meta.Refs) - 1; i >= 0; i-- {
		if id, ok := idx.byMsgID[meta.Refs[i]]; ok {
			idx.register(meta.MsgID, id)
			return id
		}
	}
	if meta.Parent != "" {
		if id, ok := idx.byMsgID[meta.Parent]; ok {
			idx.register(meta.MsgID, id)
			return id
		}
	}
	id := meta.OriginUID
	idx.register(meta.MsgID, id)
	return id
}

func (idx *threadIndex) register(msgid string, thrid uint32) {
	if msgid != "" {
		idx.byMsgID[msgid] = thrid
	}
}

// Parse processes all unparsed Src messages. It returns the number of rows
// added to All.
func (p *Parser) Parse(ctx context.Context) (int, error) {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}

	parsed := map[uint32]bool{}
	idx := &threadIndex{byMsgID: map[string]uint32{}}

	err := p.Local.WithMailbox(ctx, All, true, func(s *Session) error {
		origins, err := s.HeaderIndex(HeaderOriginUID)
		if err != nil {
			return err
		}
		for value := range origins {
			uid, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				continue
			}
			parsed[uint32(uid)] = true
		}

		rows, err := s.HeaderFlagsIndex("Message-ID")
		if err != nil {
			return err
		}
		for _, row := range rows {
			for _, flag := range row.Flags {
				if id, ok := tags.ParseThrid(flag); ok {
					idx.register(row.Value, id)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var pending []uint32
	err = p.Local.WithMailbox(ctx, Src, true, func(s *Session) error {
		uids, err := s.SearchUIDs(&imap.SearchCriteria{})
		if err != nil {
			return err
		}
		for _, uid := range uids {
			if !parsed[uid] {
				pending = append(pending, uid)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	log.Info("parsing new messages", "count", len(pending))

	added := 0
	affected := map[uint32]bool{}
	for start := 0; start < len(pending); start += parseBatch {
		end := start + parseBatch
		if end > len(pending) {
			end = len(pending)
		}

		var msgs []Message
		err = p.Local.WithMailbox(ctx, Src, true, func(s *Session) error {
			var ferr error
			msgs, ferr = s.FetchMessages(pending[start:end])
			return ferr
		})
		if err != nil {
			return added, err
		}

		batch := make([]AppendMessage, 0, len(msgs))
		for _, msg := range msgs {
			origin, orig := StripSrc(msg.Raw)
			meta := BuildMeta(orig, msg.UID)
			if meta.Date == 0 {
				meta.Date = msg.Date.Unix()
			}
			thrid := idx.assign(meta, origin.ThreadID)
			affected[thrid] = true

			flags := []string{tags.Thrid(thrid)}
			for _, f := range msg.Flags {
				if f == `\Recent` {
					continue
				}
				flags = append(flags, f)
			}
			batch = append(batch, AppendMessage{
				Raw:   EncodeParsed(meta),
				Flags: flags,
				Date:  msg.Date,
			})
		}

		err = p.Local.WithMailbox(ctx, All, false, func(s *Session) error {
			return s.MultiAppend(All, batch)
		})
		if err != nil {
			return added, err
		}
		added += len(batch)
	}

	if err := p.updateLatest(ctx, affected); err != nil {
		return added, err
	}
	log.Info("parse done", "added", added, "threads", len(affected))
	return added, nil
}

// updateLatest keeps exactly one #latest flag per thread, on the newest
// message.
func (p *Parser) updateLatest(ctx context.Context, thrids map[uint32]bool) error {
	if len(thrids) == 0 {
		return nil
	}
	return p.Local.WithMailbox(ctx, All, false, func(s *Session) error {
		for thrid := range thrids {
			uids, err := s.SearchUIDs(&imap.SearchCriteria{
				Flag: []imap.Flag{imap.Flag(tags.Thrid(thrid))},
			})
			if err != nil {
				return err
			}
			if len(uids) == 0 {
				continue
			}
			sums, err := s.FetchSummaries(uids)
			if err != nil {
				return err
			}

			latest := sums[0]
			for _, sum := range sums[1:] {
				if sum.Date.After(latest.Date) || (sum.Date.Equal(latest.Date) && sum.UID > latest.UID) {
					latest = sum
				}
			}

			var drop []uint32
			hasLatest := false
			for _, sum := range sums {
				marked := hasFlag(sum.Flags, tags.Latest)
				if sum.UID == latest.UID {
					hasLatest = marked
					continue
				}
				if marked {
					drop = append(drop, sum.UID)
				}
			}
			if err := s.Store(drop, DelFlags, []string{tags.Latest}); err != nil {
				return err
			}
			if !hasLatest {
				if err := s.Store([]uint32{latest.UID}, AddFlags, []string{tags.Latest}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// PairOriginUIDs maps Src UIDs to their parsed All UIDs.
func (c *Client) PairOriginUIDs(ctx context.Context, origins []uint32) ([]uint32, error) {
	var out []uint32
	err := c.WithMailbox(ctx, All, true, func(s *Session) error {
		index, err := s.HeaderIndex(HeaderOriginUID)
		if err != nil {
			return err
		}
		byOrigin := map[uint32][]uint32{}
		for value, uids := range index {
			origin, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				continue
			}
			byOrigin[uint32(origin)] = append(byOrigin[uint32(origin)], uids...)
		}
		for _, origin := range origins {
			out = append(out, byOrigin[origin]...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "localstore: pairing origin uids")
	}
	return out, nil
}

// PairParsedUIDs maps All UIDs back to their Src originals.
func (c *Client) PairParsedUIDs(ctx context.Context, parsed []uint32) ([]uint32, error) {
	var out []uint32
	err := c.WithMailbox(ctx, All, true, func(s *Session) error {
		index, err := s.HeaderIndex(HeaderOriginUID)
		if err != nil {
			return err
		}
		byParsed := map[uint32]uint32{}
		for value, uids := range index {
			origin, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				continue
			}
			for _, uid := range uids {
				byParsed[uid] = uint32(origin)
			}
		}
		for _, uid := range parsed {
			if origin, ok := byParsed[uid]; ok {
				out = append(out, origin)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "localstore: pairing parsed uids")
	}
	return out, nil
}
