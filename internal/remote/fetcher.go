package remote

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"mailur.link/mailur/internal/localstore"
	"mailur.link/mailur/internal/provenance"
	"mailur.link/mailur/internal/settings"
	"mailur.link/mailur/internal/tags"
)

// skipDrafts drops Gmail drafts during fetch. Gmail rewrites a draft's UID
// and X-GM-MSGID on every save, so importing them piles up dead revisions.
const skipDrafts = true

const (
	defaultBatch   = 500
	defaultWorkers = 4
)

// Session is the remote folder surface the fetcher needs. *Conn implements
// it.
type Session interface {
	Selected() Folder
	Status() (validity, next uint32)
	UIDsSince(uidnext uint32) ([]uint32, error)
	FetchFull(uids []uint32, gmail bool) ([]Message, error)
	FetchMsgIDs(uids []uint32) (map[uint32]string, error)
	Close() error
}

// Dialer opens a remote session with the folder selected.
type Dialer func(ctx context.Context, account settings.Account, folder Folder) (Session, error)

// DialFolder is the production Dialer.
func DialFolder(ctx context.Context, account settings.Account, folder Folder) (Session, error) {
	conn, err := Dial(ctx, account)
	if err != nil {
		return nil, err
	}
	if err := conn.SelectFolder(folder, true); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// SrcStore is the slice of the local store the fetcher writes to.
type SrcStore interface {
	HeaderIndex(ctx context.Context, mailbox, field string) (map[string][]uint32, error)
	MultiAppend(ctx context.Context, mailbox string, msgs []localstore.AppendMessage) error
}

// Fetcher pulls new remote messages into the Src mailbox. Messages are
// wrapped in provenance headers and deduplicated by content hash, or by
// X-GM-MSGID for Gmail.
type Fetcher struct {
	Local    SrcStore
	Settings *settings.Store
	Account  settings.Account
	Dial     Dialer
	Log      *slog.Logger

	Batch   int
	Workers int
}

func (f *Fetcher) batch() int {
	if f.Batch > 0 {
		return f.Batch
	}
	return defaultBatch
}

func (f *Fetcher) workers() int {
	if f.Workers > 0 {
		return f.Workers
	}
	return defaultWorkers
}

func (f *Fetcher) log() *slog.Logger {
	if f.Log != nil {
		return f.Log
	}
	return slog.Default()
}

// FetchAll fetches every folder returned by GetFolders and reports the
// total number of messages stored.
func (f *Fetcher) FetchAll(ctx context.Context) (int, error) {
	folders, err := GetFolders(ctx, f.Account)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, folder := range folders {
		n, err := f.Fetch(ctx, folder)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Fetch pulls one remote folder. The UIDNEXT cursor is persisted only
// after every new message has been stored, so an interrupted run repeats
// work instead of losing it.
func (f *Fetcher) Fetch(ctx context.Context, folder Folder) (int, error) {
	log := f.log().With("folder", folder.String())

	key, err := settings.BoxKey(f.Account, folder.Box, folder.Tag)
	if err != nil {
		return 0, err
	}
	cursor, _, err := f.Settings.UIDNext(ctx, key)
	if err != nil {
		return 0, err
	}

	session, err := f.Dial(ctx, f.Account, folder)
	if err != nil {
		return 0, err
	}
	defer session.Close()
	folder = session.Selected()

	validity, next := session.Status()
	if cursor.Validity != validity {
		if cursor.Validity != 0 {
			log.Warn("uidvalidity changed, refetching",
				"was", cursor.Validity, "now", validity)
		}
		cursor = settings.UIDCursor{Validity: validity, Next: 1}
	}

	uids, err := session.UIDsSince(cursor.Next)
	if err != nil {
		return 0, err
	}
	log.Info("fetch", "uidnext", cursor.Next, "new", len(uids))

	stored := 0
	if len(uids) > 0 {
		if f.Account.Gmail() {
			stored, err = f.fetchGmail(ctx, session, folder, uids)
		} else {
			stored, err = f.fetchIMAP(ctx, folder, uids)
		}
		if err != nil {
			return stored, err
		}
	}

	cursor = settings.UIDCursor{Validity: validity, Next: next}
	if err := f.Settings.SetUIDNext(ctx, key, cursor); err != nil {
		return stored, err
	}
	log.Info("fetched", "stored", stored, "uidnext", next)
	return stored, nil
}

func (f *Fetcher) fetchGmail(ctx context.Context, session Session, folder Folder, uids []uint32) (int, error) {
	index, err := f.Local.HeaderIndex(ctx, localstore.Src, provenance.HeaderGmailMsgID)
	if err != nil {
		return 0, err
	}

	msgids, err := session.FetchMsgIDs(uids)
	if err != nil {
		return 0, err
	}
	pending := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		msgid, ok := msgids[uid]
		if !ok {
			continue
		}
		if _, dup := index[msgid]; dup {
			continue
		}
		pending = append(pending, uid)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	registry, err := f.Settings.Tags(ctx)
	if err != nil {
		return 0, err
	}
	var mu sync.Mutex
	resolve := func(name string) string {
		mu.Lock()
		defer mu.Unlock()
		return registry.Get(name).ID
	}

	stored, err := f.fetchBatches(ctx, folder, pending, func(msg Message) (localstore.AppendMessage, bool) {
		return f.wrapGmail(folder, msg, resolve)
	})
	if err != nil {
		return stored, err
	}

	mu.Lock()
	defer mu.Unlock()
	if err := f.Settings.SaveTags(ctx, registry); err != nil {
		return stored, err
	}
	return stored, nil
}

func (f *Fetcher) wrapGmail(folder Folder, msg Message, resolve tags.Resolver) (localstore.AppendMessage, bool) {
	if msg.Raw == nil || msg.MsgID == "" {
		return localstore.AppendMessage{}, false
	}

	labels := make([]string, 0, len(msg.Labels))
	threadID := ""
	draft := false
	for _, raw := range msg.Labels {
		label := tags.DecodeLabel(raw)
		if _, ok := tags.ParseThrid(label); ok {
			threadID = label
			continue
		}
		if label == `\Draft` || label == `\Drafts` {
			draft = true
		}
		labels = append(labels, label)
	}
	if skipDrafts && draft {
		return localstore.AppendMessage{}, false
	}

	wrapped := provenance.WrapGmail(
		msg.Raw,
		strconv.FormatUint(uint64(msg.UID), 10),
		msg.MsgID, msg.ThrID,
		f.Account.Username,
		threadID,
	)
	return localstore.AppendMessage{
		Raw:   wrapped,
		Flags: tags.FromGmail(folder.Tag, msg.Flags, labels, resolve),
		Date:  msg.Date,
	}, true
}

func (f *Fetcher) fetchIMAP(ctx context.Context, folder Folder, uids []uint32) (int, error) {
	index, err := f.Local.HeaderIndex(ctx, localstore.Src, provenance.HeaderSHA256)
	if err != nil {
		return 0, err
	}

	keyword := tags.TagKeyword(folder.Tag)
	return f.fetchBatches(ctx, folder, uids, func(msg Message) (localstore.AppendMessage, bool) {
		if msg.Raw == nil {
			return localstore.AppendMessage{}, false
		}
		if _, dup := index[provenance.Sum(msg.Raw)]; dup {
			return localstore.AppendMessage{}, false
		}
		flags := msg.Flags
		if keyword != "" && !hasFlag(flags, keyword) {
			flags = append(append([]string{}, flags...), keyword)
		}
		return localstore.AppendMessage{
			Raw:   provenance.WrapIMAP(msg.Raw, f.Account.IMAPHost, f.Account.Username),
			Flags: flags,
			Date:  msg.Date,
		}, true
	})
}

// fetchBatches downloads uids in batches across a pool of workers, each on
// its own remote connection, and appends the wrapped results to Src.
func (f *Fetcher) fetchBatches(ctx context.Context, folder Folder, uids []uint32, wrap func(Message) (localstore.AppendMessage, bool)) (int, error) {
	batches := make(chan []uint32, f.workers())
	stop := make(chan struct{})
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		defer close(batches)
		size := f.batch()
		for start := 0; start < len(uids); start += size {
			end := start + size
			if end > len(uids) {
				end = len(uids)
			}
			select {
			case batches <- uids[start:end]:
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()

	workers := f.workers()
	if n := (len(uids) + f.batch() - 1) / f.batch(); n < workers {
		workers = n
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	counts := make(chan int, workers)
	gmail := f.Account.Gmail()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := f.Dial(ctx, f.Account, folder)
			if err != nil {
				errs <- err
				return
			}
			defer session.Close()

			stored := 0
			for batch := range batches {
				msgs, err := session.FetchFull(batch, gmail)
				if err != nil {
					errs <- err
					return
				}
				appends := make([]localstore.AppendMessage, 0, len(msgs))
				for _, msg := range msgs {
					if a, ok := wrap(msg); ok {
						appends = append(appends, a)
					}
				}
				if err := f.Local.MultiAppend(ctx, localstore.Src, appends); err != nil {
					errs <- err
					return
				}
				stored += len(appends)
			}
			counts <- stored
		}()
	}

	wg.Wait()
	// unblock the producer when the workers bailed out early
	close(stop)
	<-fed
	close(errs)
	close(counts)

	total := 0
	for n := range counts {
		total += n
	}
	if err := <-errs; err != nil {
		return total, errors.Wrapf(err, "remote: fetching %s", folder)
	}
	if err := ctx.Err(); err != nil {
		return total, err
	}
	return total, nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
