package web

import (
	"sort"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/gofiber/fiber/v2"

	"mailur.link/mailur/internal/localstore"
	"mailur.link/mailur/internal/query"
	"mailur.link/mailur/internal/tags"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "bad request body")
	}
	if err := s.Mail.CheckLogin(c.Context(), req.Username, req.Password); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "wrong username or password")
	}
	return c.JSON(fiber.Map{"username": req.Username})
}

func (s *Server) tags(c *fiber.Ctx) error {
	registry, err := s.Settings.Tags(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"tags": registry.All()})
}

type tagRequest struct {
	Name string `json:"name"`
}

func (s *Server) tag(c *fiber.Ctx) error {
	var req tagRequest
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "tag name required")
	}
	registry, err := s.Settings.Tags(c.Context())
	if err != nil {
		return err
	}
	tag := registry.Get(req.Name)
	if err := s.Settings.SaveTags(c.Context(), registry); err != nil {
		return err
	}
	return c.JSON(tag)
}

type searchRequest struct {
	Query   string `json:"q" query:"q"`
	Preload int    `json:"preload" query:"preload"`
}

func (s *Server) search(c *fiber.Ctx) error {
	var req searchRequest
	if c.Method() == fiber.MethodGet {
		if err := c.QueryParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "bad query string")
		}
	} else if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "bad request body")
	}
	criteria, opts, err := query.Parse(req.Query)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	uids, err := s.Mail.SearchUIDs(c.Context(), localstore.All, criteria)
	if err != nil {
		return err
	}

	if opts.Thread {
		uids, err = s.expandThread(c, uids)
		if err != nil {
			return err
		}
	} else if opts.Threads {
		uids, err = s.latestOfThreads(c, uids)
		if err != nil {
			return err
		}
	}

	out := fiber.Map{"uids": uids}
	if req.Preload > 0 && len(uids) > 0 {
		page := uids
		if len(page) > req.Preload {
			page = page[:req.Preload]
		}
		msgs, err := s.msgInfos(c, page)
		if err != nil {
			return err
		}
		out["msgs"] = msgs
	}
	return c.JSON(out)
}

// expandThread turns the matched messages into their full threads.
func (s *Server) expandThread(c *fiber.Ctx, uids []uint32) ([]uint32, error) {
	thrids, err := s.thridsOf(c, uids)
	if err != nil || len(thrids) == 0 {
		return nil, err
	}
	seen := map[uint32]bool{}
	var out []uint32
	for thrid := range thrids {
		members, err := s.Mail.SearchUIDs(c.Context(), localstore.All, &imap.SearchCriteria{
			Flag: []imap.Flag{imap.Flag(tags.Thrid(thrid))},
		})
		if err != nil {
			return nil, err
		}
		for _, uid := range members {
			if !seen[uid] {
				seen[uid] = true
				out = append(out, uid)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// latestOfThreads reduces the matches to the latest message per thread.
func (s *Server) latestOfThreads(c *fiber.Ctx, uids []uint32) ([]uint32, error) {
	thrids, err := s.thridsOf(c, uids)
	if err != nil || len(thrids) == 0 {
		return nil, err
	}
	var out []uint32
	for thrid := range thrids {
		latest, err := s.Mail.SearchUIDs(c.Context(), localstore.All, &imap.SearchCriteria{
			Flag: []imap.Flag{imap.Flag(tags.Thrid(thrid)), imap.Flag(tags.Latest)},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, latest...)
	}
	return out, nil
}

// thridsOf reads the thread keyword off each message's flags.
func (s *Server) thridsOf(c *fiber.Ctx, uids []uint32) (map[uint32]bool, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	msgs, err := s.Mail.FetchMessages(c.Context(), localstore.All, uids)
	if err != nil {
		return nil, err
	}
	thrids := map[uint32]bool{}
	for _, msg := range msgs {
		for _, flag := range msg.Flags {
			if thrid, ok := tags.ParseThrid(flag); ok {
				thrids[thrid] = true
			}
		}
	}
	return thrids, nil
}

type uidsRequest struct {
	UIDs []uint32 `json:"uids"`
}

// msgInfo is one row in a message listing.
type msgInfo struct {
	UID   uint32   `json:"uid"`
	Flags []string `json:"flags"`
	localstore.Meta
}

func (s *Server) msgsInfo(c *fiber.Ctx) error {
	var req uidsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "bad request body")
	}
	out, err := s.msgInfos(c, req.UIDs)
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (s *Server) msgInfos(c *fiber.Ctx, uids []uint32) (map[string]msgInfo, error) {
	msgs, err := s.Mail.FetchMessages(c.Context(), localstore.All, uids)
	if err != nil {
		return nil, err
	}
	out := map[string]msgInfo{}
	for _, msg := range msgs {
		meta, err := localstore.DecodeParsed(msg.Raw)
		if err != nil {
			s.log().Warn("broken metadata", "uid", msg.UID, "err", err)
			continue
		}
		out[strconv.FormatUint(uint64(msg.UID), 10)] = msgInfo{
			UID:   msg.UID,
			Flags: publicFlags(msg.Flags),
			Meta:  meta,
		}
	}
	return out, nil
}

// thrInfo summarizes one thread.
type thrInfo struct {
	Thrid  uint32   `json:"thrid"`
	UIDs   []uint32 `json:"uids"`
	Unseen int      `json:"unseen"`
	Flags  []string `json:"flags"`
	Latest msgInfo  `json:"latest"`
}

func (s *Server) thrsInfo(c *fiber.Ctx) error {
	var req uidsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "bad request body")
	}
	thrids, err := s.thridsOf(c, req.UIDs)
	if err != nil {
		return err
	}

	out := map[string]thrInfo{}
	for thrid := range thrids {
		uids, err := s.Mail.SearchUIDs(c.Context(), localstore.All, &imap.SearchCriteria{
			Flag: []imap.Flag{imap.Flag(tags.Thrid(thrid))},
		})
		if err != nil {
			return err
		}
		msgs, err := s.Mail.FetchMessages(c.Context(), localstore.All, uids)
		if err != nil {
			return err
		}

		info := thrInfo{Thrid: thrid}
		flagSet := map[string]bool{}
		var latest *localstore.Message
		for i := range msgs {
			msg := &msgs[i]
			info.UIDs = append(info.UIDs, msg.UID)
			seen := false
			for _, flag := range msg.Flags {
				if flag == `\Seen` {
					seen = true
				}
				if flag == tags.Latest {
					latest = msg
				}
				flagSet[flag] = true
			}
			if !seen {
				info.Unseen++
			}
		}
		if latest == nil && len(msgs) > 0 {
			latest = &msgs[len(msgs)-1]
		}
		for flag := range flagSet {
			if _, ok := tags.ParseThrid(flag); ok || flag == tags.Latest {
				continue
			}
			info.Flags = append(info.Flags, flag)
		}
		if latest != nil {
			meta, err := localstore.DecodeParsed(latest.Raw)
			if err == nil {
				info.Latest = msgInfo{UID: latest.UID, Flags: publicFlags(latest.Flags), Meta: meta}
			}
		}
		out[strconv.FormatUint(uint64(thrid), 10)] = info
	}
	return c.JSON(out)
}

type bodyRequest struct {
	UIDs []uint32 `json:"uids"`
	Read *bool    `json:"read"`
}

func (s *Server) msgsBody(c *fiber.Ctx) error {
	var req bodyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "bad request body")
	}
	msgs, err := s.Mail.FetchMessages(c.Context(), localstore.All, req.UIDs)
	if err != nil {
		return err
	}

	out := map[string]string{}
	var read []uint32
	for _, msg := range msgs {
		meta, err := localstore.DecodeParsed(msg.Raw)
		if err != nil {
			continue
		}
		raw, err := s.Mail.FetchRaw(c.Context(), localstore.Src, meta.OriginUID)
		if err != nil {
			return err
		}
		_, orig := localstore.StripSrc(raw)
		out[strconv.FormatUint(uint64(msg.UID), 10)] = string(orig)
		read = append(read, msg.UID)
	}

	// reading a message marks it read in both mailboxes, unless the
	// client asked to keep it unseen
	if req.Read == nil || *req.Read {
		if err := s.markSeen(c, read); err != nil {
			return err
		}
	}
	return c.JSON(out)
}

func (s *Server) markSeen(c *fiber.Ctx, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.Mail.StoreFlags(c.Context(), localstore.All, uids, localstore.AddFlags, []string{`\Seen`}); err != nil {
		return err
	}
	origins, err := s.Mail.PairParsedUIDs(c.Context(), uids)
	if err != nil {
		return err
	}
	return s.Mail.StoreFlags(c.Context(), localstore.Src, origins, localstore.AddFlags, []string{`\Seen`})
}

type flagRequest struct {
	UIDs []uint32 `json:"uids"`
	Old  []string `json:"old"`
	New  []string `json:"new"`
}

// msgsFlag applies a flag diff to the given messages. Changes land in
// both All and Src: the Src write is what the next reconciler pass picks
// up and pushes to the remote.
func (s *Server) msgsFlag(c *fiber.Ctx) error {
	var req flagRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "bad request body")
	}
	add, del := diffFlags(req.Old, req.New)
	if len(req.UIDs) == 0 || len(add)+len(del) == 0 {
		return c.JSON(fiber.Map{"updated": 0})
	}

	origins, err := s.Mail.PairParsedUIDs(c.Context(), req.UIDs)
	if err != nil {
		return err
	}
	for _, target := range []struct {
		mailbox string
		uids    []uint32
	}{
		{localstore.All, req.UIDs},
		{localstore.Src, origins},
	} {
		if err := s.Mail.StoreFlags(c.Context(), target.mailbox, target.uids, localstore.AddFlags, add); err != nil {
			return err
		}
		if err := s.Mail.StoreFlags(c.Context(), target.mailbox, target.uids, localstore.DelFlags, del); err != nil {
			return err
		}
	}
	return c.JSON(fiber.Map{"updated": len(req.UIDs)})
}

func (s *Server) raw(c *fiber.Ctx) error {
	uid, err := strconv.ParseUint(c.Params("uid"), 10, 32)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "bad uid")
	}

	if c.Query("parsed") != "" {
		raw, err := s.Mail.FetchRaw(c.Context(), localstore.All, uint32(uid))
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		c.Set(fiber.HeaderContentType, "message/rfc822")
		return c.Send(raw)
	}

	raw, err := s.Mail.FetchRaw(c.Context(), localstore.Src, uint32(uid))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	_, orig := localstore.StripSrc(raw)
	c.Set(fiber.HeaderContentType, "message/rfc822")
	return c.Send(orig)
}

// publicFlags hides the bookkeeping keywords from API responses.
func publicFlags(flags []string) []string {
	out := []string{}
	for _, flag := range flags {
		if _, ok := tags.ParseThrid(flag); ok {
			continue
		}
		if flag == tags.Latest || flag == tags.Link {
			continue
		}
		out = append(out, flag)
	}
	return out
}

// diffFlags splits an old/new pair into flags to add and to remove.
func diffFlags(old, new []string) (add, del []string) {
	was := map[string]bool{}
	for _, f := range old {
		was[f] = true
	}
	now := map[string]bool{}
	for _, f := range new {
		now[f] = true
		if !was[f] {
			add = append(add, f)
		}
	}
	for _, f := range old {
		if !now[f] {
			del = append(del, f)
		}
	}
	return add, del
}
