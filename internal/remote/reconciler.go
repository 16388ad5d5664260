package remote

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mailur.link/mailur/internal/localstore"
	"mailur.link/mailur/internal/provenance"
	"mailur.link/mailur/internal/settings"
	"mailur.link/mailur/internal/tags"
)

// localCursorTag keys the local side of the flag sync in the modseq map.
const localCursorTag = `\Local`

// GmailSession is the remote surface the reconciler needs per folder.
// *Conn implements it.
type GmailSession interface {
	Selected() Folder
	HighestModSeq() uint64
	ChangedSince(modseq uint64) ([]Change, error)
	SearchMsgID(msgid string) ([]uint32, error)
	StoreLabels(uids []uint32, add bool, labels []string) error
	StoreSeen(uids []uint32, seen bool) error
	Close() error
}

// GmailDialer opens a writable session on a remote folder.
type GmailDialer func(ctx context.Context, account settings.Account, folder Folder) (GmailSession, error)

// DialGmailFolder is the production GmailDialer.
func DialGmailFolder(ctx context.Context, account settings.Account, folder Folder) (GmailSession, error) {
	conn, err := Dial(ctx, account)
	if err != nil {
		return nil, err
	}
	if err := conn.SelectFolder(folder, false); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// FlagStore is the slice of the local store the reconciler uses: the Src
// provenance index, Src flag changes for the push direction and All flag
// writes for the pull direction.
type FlagStore interface {
	HeaderIndex(ctx context.Context, mailbox, field string) (map[string][]uint32, error)
	ChangedSince(ctx context.Context, mailbox string, modseq uint64) ([]localstore.FlagChange, uint64, error)
	StoreFlags(ctx context.Context, mailbox string, uids []uint32, op localstore.StoreOp, flags []string) error
}

// Reconciler syncs flags between the local store and Gmail in both
// directions. Local changes are pushed as label/flag updates; remote
// changes are pulled onto the parsed messages in All. When the same
// message changed on both sides, the local change wins.
type Reconciler struct {
	Local    FlagStore
	Settings *settings.Store
	Account  settings.Account
	Dial     GmailDialer
	Log      *slog.Logger
}

func (r *Reconciler) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

// remoteState is one message's flags as seen on the remote.
type remoteState struct {
	flags []string
}

// folderConn is a live session plus its cursor bookkeeping.
type folderConn struct {
	session GmailSession
	folder  Folder
	key     string
}

// Sync runs one full reconciliation pass. All cursors, the three remote
// folder MODSEQs and the local one, are persisted together at the end, so
// a failed pass repeats work instead of losing changes.
func (r *Reconciler) Sync(ctx context.Context) error {
	if !r.Account.Gmail() {
		return nil
	}
	log := r.log()

	msgidIndex, err := r.Local.HeaderIndex(ctx, localstore.Src, provenance.HeaderGmailMsgID)
	if err != nil {
		return err
	}
	msgidByUID := map[uint32]string{}
	for msgid, uids := range msgidIndex {
		for _, uid := range uids {
			msgidByUID[uid] = msgid
		}
	}

	conns, err := r.dialFolders(ctx)
	if err != nil {
		return err
	}
	defer func() {
		for _, fc := range conns {
			_ = fc.session.Close()
		}
	}()

	registry, err := r.Settings.Tags(ctx)
	if err != nil {
		return err
	}
	var mu sync.Mutex
	resolve := func(name string) string {
		mu.Lock()
		defer mu.Unlock()
		return registry.Get(name).ID
	}

	cursors := map[string]uint64{}
	remote := map[string]remoteState{}
	for _, fc := range conns {
		cursors[fc.key] = fc.session.HighestModSeq()

		stored, ok, err := r.Settings.ModSeq(ctx, fc.key)
		if err != nil {
			return err
		}
		if !ok {
			// first pass records a baseline, nothing to pull yet
			continue
		}
		changes, err := fc.session.ChangedSince(stored)
		if err != nil {
			return err
		}
		for _, ch := range changes {
			labels := make([]string, 0, len(ch.Labels))
			for _, raw := range ch.Labels {
				label := tags.DecodeLabel(raw)
				if _, thrid := tags.ParseThrid(label); thrid {
					continue
				}
				labels = append(labels, label)
			}
			remote[ch.MsgID] = remoteState{
				flags: tags.FromGmail(fc.folder.Tag, ch.Flags, labels, resolve),
			}
		}
	}

	localKey, err := settings.BoxKey(r.Account, "", localCursorTag)
	if err != nil {
		return err
	}
	localModseq, _, err := r.Settings.ModSeq(ctx, localKey)
	if err != nil {
		return err
	}
	localChanges, localHighest, err := r.Local.ChangedSince(ctx, localstore.Src, localModseq)
	if err != nil {
		return err
	}
	cursors[localKey] = localHighest

	pushed := 0
	for _, ch := range localChanges {
		msgid, ok := msgidByUID[ch.UID]
		if !ok {
			continue
		}
		delete(remote, msgid)
		if err := r.push(conns, msgid, ch.Flags); err != nil {
			return err
		}
		pushed++
	}

	pulled, err := r.pull(ctx, msgidIndex, remote)
	if err != nil {
		return err
	}

	mu.Lock()
	saveErr := r.Settings.SaveTags(ctx, registry)
	mu.Unlock()
	if saveErr != nil {
		return saveErr
	}

	if err := r.Settings.SetModSeqs(ctx, cursors); err != nil {
		return err
	}
	log.Info("flags synced", "pushed", pushed, "pulled", pulled)
	return nil
}

// dialFolders opens \All, \Junk and \Trash in that order. The order
// matters for push: \All is searched first, and a message only lives in
// \Junk or \Trash when it is not in \All.
func (r *Reconciler) dialFolders(ctx context.Context) ([]folderConn, error) {
	var conns []folderConn
	for _, tag := range []string{`\All`, `\Junk`, `\Trash`} {
		folder := Folder{Tag: tag}
		session, err := r.Dial(ctx, r.Account, folder)
		if err != nil {
			for _, fc := range conns {
				_ = fc.session.Close()
			}
			return nil, err
		}
		key, err := settings.BoxKey(r.Account, "", tag)
		if err != nil {
			_ = session.Close()
			return nil, err
		}
		conns = append(conns, folderConn{session: session, folder: session.Selected(), key: key})
	}
	return conns, nil
}

// push applies one local message's flags to the remote. Label adds go
// first: when a message leaves \Trash or \Junk it is moved to \Inbox
// before the folder label is removed, otherwise Gmail drops it entirely.
func (r *Reconciler) push(conns []folderConn, msgid string, flags []string) error {
	local := map[string]bool{}
	for _, f := range flags {
		if tags.Synced[f] {
			local[f] = true
		}
	}

	var found *folderConn
	var uids []uint32
	for i := range conns {
		ids, err := conns[i].session.SearchMsgID(msgid)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			found = &conns[i]
			uids = ids
			break
		}
	}
	if found == nil {
		r.log().Warn("message not found on remote", "msgid", msgid)
		return nil
	}

	// a message leaving \Trash or \Junk with no other home goes to the
	// inbox, Gmail drops unlabeled messages from those folders entirely
	leaving := found.folder.Tag == `\Trash` && !local[tags.Trash] ||
		found.folder.Tag == `\Junk` && !local[tags.Spam]
	if leaving {
		local[tags.Inbox] = true
	}

	var adds, dels []string
	for _, flag := range []string{tags.Trash, tags.Spam, tags.Inbox, `\Flagged`} {
		label := tags.LabelByFlag[flag]
		if local[flag] {
			adds = append(adds, label)
		} else {
			dels = append(dels, label)
		}
	}

	if err := found.session.StoreLabels(uids, true, adds); err != nil {
		return err
	}
	// removing the folder label takes the message out of this mailbox
	// and invalidates the UID, so the seen state goes first
	if err := found.session.StoreSeen(uids, local[`\Seen`]); err != nil {
		return err
	}
	return found.session.StoreLabels(uids, false, dels)
}

// pull applies the remaining remote changes to the parsed messages in All.
// Writing All only, not Src, keeps the pull from feeding back into the
// next push pass.
func (r *Reconciler) pull(ctx context.Context, msgidIndex map[string][]uint32, remote map[string]remoteState) (int, error) {
	if len(remote) == 0 {
		return 0, nil
	}

	originIndex, err := r.Local.HeaderIndex(ctx, localstore.All, localstore.HeaderOriginUID)
	if err != nil {
		return 0, err
	}
	parsedByOrigin := map[uint32][]uint32{}
	for value, parsed := range originIndex {
		origin, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			continue
		}
		parsedByOrigin[uint32(origin)] = append(parsedByOrigin[uint32(origin)], parsed...)
	}

	// group messages by their target flag set to batch the stores
	groups := map[string][]uint32{}
	flagSets := map[string][]string{}
	count := 0
	for msgid, state := range remote {
		var parsed []uint32
		for _, src := range msgidIndex[msgid] {
			parsed = append(parsed, parsedByOrigin[src]...)
		}
		if len(parsed) == 0 {
			continue
		}
		// the full mapped flag set is applied, so custom labels picked
		// up in webmail reach the local store too; only synced flags
		// are ever removed
		present := append([]string(nil), state.flags...)
		sort.Strings(present)
		key := strings.Join(present, " ")
		groups[key] = append(groups[key], parsed...)
		flagSets[key] = present
		count++
	}

	for key, uids := range groups {
		present := flagSets[key]
		has := map[string]bool{}
		for _, f := range present {
			has[f] = true
		}
		var absent []string
		for f := range tags.Synced {
			if !has[f] {
				absent = append(absent, f)
			}
		}
		sort.Strings(absent)

		if err := r.Local.StoreFlags(ctx, localstore.All, uids, localstore.AddFlags, present); err != nil {
			return 0, err
		}
		if err := r.Local.StoreFlags(ctx, localstore.All, uids, localstore.DelFlags, absent); err != nil {
			return 0, err
		}
	}
	return count, nil
}
