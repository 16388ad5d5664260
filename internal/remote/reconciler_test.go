package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailur.link/mailur/internal/localstore"
	"mailur.link/mailur/internal/provenance"
	"mailur.link/mailur/internal/settings"
)

type labelOp struct {
	folder string
	uids   []uint32
	add    bool
	labels []string
}

type seenOp struct {
	folder string
	uids   []uint32
	seen   bool
}

type gmailMock struct {
	folder  Folder
	modseq  uint64
	changes []Change
	found   []uint32

	labelOps *[]labelOp
	seenOps  *[]seenOp
	trace    *[]string
}

func (m *gmailMock) Selected() Folder      { return m.folder }
func (m *gmailMock) HighestModSeq() uint64 { return m.modseq }
func (m *gmailMock) Close() error          { return nil }

func (m *gmailMock) ChangedSince(uint64) ([]Change, error) {
	return m.changes, nil
}

func (m *gmailMock) SearchMsgID(string) ([]uint32, error) {
	return m.found, nil
}

func (m *gmailMock) StoreLabels(uids []uint32, add bool, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	*m.labelOps = append(*m.labelOps, labelOp{
		folder: m.folder.Tag, uids: uids, add: add, labels: labels,
	})
	if add {
		*m.trace = append(*m.trace, "+labels")
	} else {
		*m.trace = append(*m.trace, "-labels")
	}
	return nil
}

func (m *gmailMock) StoreSeen(uids []uint32, seen bool) error {
	*m.seenOps = append(*m.seenOps, seenOp{folder: m.folder.Tag, uids: uids, seen: seen})
	*m.trace = append(*m.trace, "seen")
	return nil
}

type flagOp struct {
	mailbox string
	uids    []uint32
	op      localstore.StoreOp
	flags   []string
}

type flagStoreMock struct {
	srcIndex map[string][]uint32
	allIndex map[string][]uint32
	changes  []localstore.FlagChange
	highest  uint64

	flagOps []flagOp
}

func (m *flagStoreMock) HeaderIndex(_ context.Context, mailbox, field string) (map[string][]uint32, error) {
	if mailbox == localstore.Src && field == provenance.HeaderGmailMsgID {
		return m.srcIndex, nil
	}
	if mailbox == localstore.All && field == localstore.HeaderOriginUID {
		return m.allIndex, nil
	}
	return map[string][]uint32{}, nil
}

func (m *flagStoreMock) ChangedSince(_ context.Context, mailbox string, modseq uint64) ([]localstore.FlagChange, uint64, error) {
	if modseq == 0 {
		return nil, m.highest, nil
	}
	return m.changes, m.highest, nil
}

func (m *flagStoreMock) StoreFlags(_ context.Context, mailbox string, uids []uint32, op localstore.StoreOp, flags []string) error {
	if len(flags) == 0 {
		return nil
	}
	m.flagOps = append(m.flagOps, flagOp{mailbox: mailbox, uids: uids, op: op, flags: flags})
	return nil
}

type reconcilerFixture struct {
	rec      *Reconciler
	store    *settings.Store
	local    *flagStoreMock
	sessions map[string]*gmailMock
	labelOps *[]labelOp
	seenOps  *[]seenOp
	trace    *[]string
}

func newReconcilerFixture(t *testing.T, local *flagStoreMock, seedCursors bool) *reconcilerFixture {
	t.Helper()
	account := gmailAccount()
	store := settings.New(newMemBox())

	labelOps := &[]labelOp{}
	seenOps := &[]seenOp{}
	trace := &[]string{}
	sessions := map[string]*gmailMock{}
	for _, tag := range []string{`\All`, `\Junk`, `\Trash`} {
		sessions[tag] = &gmailMock{
			folder:   Folder{Box: tag, Tag: tag},
			modseq:   100,
			labelOps: labelOps,
			seenOps:  seenOps,
			trace:    trace,
		}
	}

	if seedCursors {
		cursors := map[string]uint64{}
		for _, tag := range []string{`\All`, `\Junk`, `\Trash`, localCursorTag} {
			key, err := settings.BoxKey(account, "", tag)
			require.NoError(t, err)
			cursors[key] = 1
		}
		require.NoError(t, store.SetModSeqs(context.Background(), cursors))
	}

	rec := &Reconciler{
		Local:    local,
		Settings: store,
		Account:  account,
		Dial: func(_ context.Context, _ settings.Account, folder Folder) (GmailSession, error) {
			return sessions[folder.Tag], nil
		},
	}
	return &reconcilerFixture{
		rec: rec, store: store, local: local,
		sessions: sessions, labelOps: labelOps, seenOps: seenOps, trace: trace,
	}
}

func TestSyncPullsRemoteChanges(t *testing.T) {
	local := &flagStoreMock{
		srcIndex: map[string][]uint32{"m1": {5}},
		allIndex: map[string][]uint32{"5": {2}},
		highest:  40,
	}
	fx := newReconcilerFixture(t, local, true)
	fx.sessions[`\All`].changes = []Change{
		{UID: 11, MsgID: "m1", Flags: []string{`\Seen`}, Labels: []string{`\Inbox`, "mlr/thrid/3", "Invoices"}},
	}

	require.NoError(t, fx.rec.Sync(context.Background()))

	require.Len(t, local.flagOps, 2)
	add := local.flagOps[0]
	assert.Equal(t, localstore.All, add.mailbox)
	assert.Equal(t, []uint32{2}, add.uids)
	assert.Equal(t, localstore.AddFlags, add.op)
	// the custom label lands too, as a minted tag keyword
	assert.Equal(t, []string{"#inbox", `\Seen`, "t1"}, add.flags)

	registry, err := fx.store.Tags(context.Background())
	require.NoError(t, err)
	name, ok := registry.Name("t1")
	assert.True(t, ok)
	assert.Equal(t, "Invoices", name)

	del := local.flagOps[1]
	assert.Equal(t, localstore.DelFlags, del.op)
	assert.Equal(t, []string{"#spam", "#trash", `\Flagged`}, del.flags)

	// nothing was pushed
	assert.Empty(t, *fx.labelOps)
	assert.Empty(t, *fx.seenOps)

	key, err := settings.BoxKey(fx.rec.Account, "", localCursorTag)
	require.NoError(t, err)
	modseq, ok, err := fx.store.ModSeq(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(40), modseq)

	allKey, err := settings.BoxKey(fx.rec.Account, "", `\All`)
	require.NoError(t, err)
	modseq, _, err = fx.store.ModSeq(context.Background(), allKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), modseq)
}

func TestSyncLocalWins(t *testing.T) {
	local := &flagStoreMock{
		srcIndex: map[string][]uint32{"m1": {5}},
		allIndex: map[string][]uint32{"5": {2}},
		changes: []localstore.FlagChange{
			{UID: 5, Flags: []string{"#trash", `\Seen`}, ModSeq: 41},
		},
		highest: 41,
	}
	fx := newReconcilerFixture(t, local, true)
	// the same message also changed remotely
	fx.sessions[`\All`].changes = []Change{
		{UID: 11, MsgID: "m1", Flags: []string{}, Labels: []string{`\Inbox`}},
	}
	fx.sessions[`\All`].found = []uint32{101}

	require.NoError(t, fx.rec.Sync(context.Background()))

	// local change pushed, remote change discarded
	assert.Empty(t, local.flagOps)
	require.Len(t, *fx.labelOps, 2)

	add := (*fx.labelOps)[0]
	assert.Equal(t, `\All`, add.folder)
	assert.Equal(t, []uint32{101}, add.uids)
	assert.True(t, add.add)
	assert.Equal(t, []string{`\Trash`}, add.labels)

	del := (*fx.labelOps)[1]
	assert.False(t, del.add)
	assert.Equal(t, []string{`\Junk`, `\Inbox`, `\Starred`}, del.labels)

	require.Len(t, *fx.seenOps, 1)
	assert.Equal(t, seenOp{folder: `\All`, uids: []uint32{101}, seen: true}, (*fx.seenOps)[0])
}

func TestSyncUntrashMovesToInbox(t *testing.T) {
	local := &flagStoreMock{
		srcIndex: map[string][]uint32{"m1": {5}},
		changes: []localstore.FlagChange{
			{UID: 5, Flags: []string{`\Seen`}, ModSeq: 42},
		},
		highest: 42,
	}
	fx := newReconcilerFixture(t, local, true)
	// only the trash folder knows the message
	fx.sessions[`\Trash`].found = []uint32{7}

	require.NoError(t, fx.rec.Sync(context.Background()))

	require.Len(t, *fx.labelOps, 2)
	add := (*fx.labelOps)[0]
	assert.Equal(t, `\Trash`, add.folder)
	assert.True(t, add.add)
	assert.Equal(t, []string{`\Inbox`}, add.labels)

	del := (*fx.labelOps)[1]
	assert.False(t, del.add)
	assert.Equal(t, []string{`\Trash`, `\Junk`, `\Starred`}, del.labels)

	// the seen state is stored before the \Trash label removal takes the
	// UID away
	require.Len(t, *fx.seenOps, 1)
	assert.Equal(t, seenOp{folder: `\Trash`, uids: []uint32{7}, seen: true}, (*fx.seenOps)[0])
	assert.Equal(t, []string{"+labels", "seen", "-labels"}, *fx.trace)
}

func TestSyncFirstPassRecordsBaseline(t *testing.T) {
	local := &flagStoreMock{
		srcIndex: map[string][]uint32{"m1": {5}},
		highest:  30,
	}
	fx := newReconcilerFixture(t, local, false)
	// changes exist but no cursor is stored yet, nothing must move
	fx.sessions[`\All`].changes = []Change{
		{UID: 11, MsgID: "m1", Flags: []string{`\Seen`}},
	}

	require.NoError(t, fx.rec.Sync(context.Background()))

	assert.Empty(t, local.flagOps)
	assert.Empty(t, *fx.labelOps)

	for _, tag := range []string{`\All`, `\Junk`, `\Trash`} {
		key, err := settings.BoxKey(fx.rec.Account, "", tag)
		require.NoError(t, err)
		modseq, ok, err := fx.store.ModSeq(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, ok, tag)
		assert.Equal(t, uint64(100), modseq, tag)
	}
}

func TestSyncSkipsNonGmail(t *testing.T) {
	rec := &Reconciler{Account: genericAccount()}
	assert.NoError(t, rec.Sync(context.Background()))
}
