package remote

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailur.link/mailur/internal/localstore"
	"mailur.link/mailur/internal/provenance"
	"mailur.link/mailur/internal/settings"
)

type memBox struct {
	mu   sync.Mutex
	docs map[string][][]byte
}

func newMemBox() *memBox {
	return &memBox{docs: map[string][][]byte{}}
}

func (b *memBox) Latest(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	revs := b.docs[key]
	if len(revs) == 0 {
		return nil, false, nil
	}
	return revs[len(revs)-1], true, nil
}

func (b *memBox) Append(_ context.Context, key string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[key] = append(b.docs[key], body)
	return nil
}

type sessionMock struct {
	SelectedFunc    func() Folder
	StatusFunc      func() (uint32, uint32)
	UIDsSinceFunc   func(uidnext uint32) ([]uint32, error)
	FetchFullFunc   func(uids []uint32, gmail bool) ([]Message, error)
	FetchMsgIDsFunc func(uids []uint32) (map[uint32]string, error)

	mu          sync.Mutex
	closeCalled int
}

func (m *sessionMock) Selected() Folder {
	if m.SelectedFunc == nil {
		return Folder{}
	}
	return m.SelectedFunc()
}

func (m *sessionMock) Status() (uint32, uint32) {
	if m.StatusFunc == nil {
		return 0, 0
	}
	return m.StatusFunc()
}

func (m *sessionMock) UIDsSince(uidnext uint32) ([]uint32, error) {
	return m.UIDsSinceFunc(uidnext)
}

func (m *sessionMock) FetchFull(uids []uint32, gmail bool) ([]Message, error) {
	return m.FetchFullFunc(uids, gmail)
}

func (m *sessionMock) FetchMsgIDs(uids []uint32) (map[uint32]string, error) {
	return m.FetchMsgIDsFunc(uids)
}

func (m *sessionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled++
	return nil
}

type srcStoreMock struct {
	HeaderIndexFunc func(ctx context.Context, mailbox, field string) (map[string][]uint32, error)

	mu       sync.Mutex
	appended []localstore.AppendMessage
}

func (m *srcStoreMock) HeaderIndex(ctx context.Context, mailbox, field string) (map[string][]uint32, error) {
	if m.HeaderIndexFunc == nil {
		return map[string][]uint32{}, nil
	}
	return m.HeaderIndexFunc(ctx, mailbox, field)
}

func (m *srcStoreMock) MultiAppend(_ context.Context, _ string, msgs []localstore.AppendMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, msgs...)
	return nil
}

func (m *srcStoreMock) all() []localstore.AppendMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]localstore.AppendMessage{}, m.appended...)
}

func genericAccount() settings.Account {
	return settings.Account{
		Username: "bob",
		Password: "pw",
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
	}
}

func gmailAccount() settings.Account {
	a := genericAccount()
	a.IMAPHost = "imap.gmail.com"
	a.SMTPHost = "smtp.gmail.com"
	return a
}

func dialerFor(session *sessionMock) Dialer {
	return func(context.Context, settings.Account, Folder) (Session, error) {
		return session, nil
	}
}

func TestFetchIMAPDedup(t *testing.T) {
	known := []byte("From: a@x\r\nSubject: old\r\n\r\nseen before\r\n")
	fresh := []byte("From: a@x\r\nSubject: new\r\n\r\nnot yet stored\r\n")

	session := &sessionMock{
		SelectedFunc: func() Folder { return Folder{Box: "INBOX", Tag: `\Inbox`} },
		StatusFunc:   func() (uint32, uint32) { return 7, 5 },
		UIDsSinceFunc: func(uidnext uint32) ([]uint32, error) {
			assert.Equal(t, uint32(1), uidnext)
			return []uint32{3, 4}, nil
		},
		FetchFullFunc: func(uids []uint32, gmail bool) ([]Message, error) {
			assert.False(t, gmail)
			return []Message{
				{UID: 3, Flags: []string{`\Seen`}, Raw: known, Date: time.Unix(100, 0)},
				{UID: 4, Flags: []string{`\Seen`}, Raw: fresh, Date: time.Unix(200, 0)},
			}, nil
		},
	}
	local := &srcStoreMock{
		HeaderIndexFunc: func(_ context.Context, mailbox, field string) (map[string][]uint32, error) {
			assert.Equal(t, localstore.Src, mailbox)
			assert.Equal(t, provenance.HeaderSHA256, field)
			return map[string][]uint32{provenance.Sum(known): {1}}, nil
		},
	}
	store := settings.New(newMemBox())

	f := &Fetcher{
		Local:    local,
		Settings: store,
		Account:  genericAccount(),
		Dial:     dialerFor(session),
	}
	n, err := f.Fetch(context.Background(), Folder{Box: "INBOX", Tag: `\Inbox`})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	appended := local.all()
	require.Len(t, appended, 1)
	msg := appended[0]
	assert.Contains(t, msg.Flags, `\Seen`)
	assert.Contains(t, msg.Flags, "#inbox")
	assert.True(t, strings.HasPrefix(string(msg.Raw), provenance.HeaderSHA256+": <"))
	assert.Equal(t, time.Unix(200, 0), msg.Date)

	origin, orig, err := provenance.Strip(msg.Raw)
	require.NoError(t, err)
	assert.Equal(t, fresh, orig)
	assert.Equal(t, "imap.example.com", origin.RemoteHost)
	assert.Equal(t, "bob", origin.RemoteLogin)

	key, err := settings.BoxKey(f.Account, "INBOX", `\Inbox`)
	require.NoError(t, err)
	cursor, ok, err := store.UIDNext(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, settings.UIDCursor{Validity: 7, Next: 5}, cursor)
}

func TestFetchGmail(t *testing.T) {
	raw := []byte("From: a@x\r\nSubject: hi\r\n\r\nbody\r\n")

	session := &sessionMock{
		SelectedFunc: func() Folder { return Folder{Box: "[Gmail]/All Mail", Tag: `\All`} },
		StatusFunc:   func() (uint32, uint32) { return 1, 40 },
		UIDsSinceFunc: func(uint32) ([]uint32, error) {
			return []uint32{10, 11, 12}, nil
		},
		FetchMsgIDsFunc: func(uids []uint32) (map[uint32]string, error) {
			assert.Equal(t, []uint32{10, 11, 12}, uids)
			return map[uint32]string{10: "100", 11: "101", 12: "102"}, nil
		},
		FetchFullFunc: func(uids []uint32, gmail bool) ([]Message, error) {
			assert.True(t, gmail)
			assert.Equal(t, []uint32{11, 12}, uids)
			return []Message{
				{
					UID: 11, MsgID: "101", ThrID: "201", Raw: raw,
					Flags:  []string{`\Seen`},
					Labels: []string{`\Drafts`},
				},
				{
					UID: 12, MsgID: "102", ThrID: "202", Raw: raw,
					Flags:  []string{`\Flagged`},
					Labels: []string{`\Inbox`, "Invoices", "mlr/thrid/9"},
					Date:   time.Unix(300, 0),
				},
			}, nil
		},
	}
	local := &srcStoreMock{
		HeaderIndexFunc: func(_ context.Context, _, field string) (map[string][]uint32, error) {
			assert.Equal(t, provenance.HeaderGmailMsgID, field)
			// msgid 100 is already stored
			return map[string][]uint32{"100": {1}}, nil
		},
	}
	store := settings.New(newMemBox())

	f := &Fetcher{
		Local:    local,
		Settings: store,
		Account:  gmailAccount(),
		Dial:     dialerFor(session),
	}
	n, err := f.Fetch(context.Background(), Folder{Tag: `\All`})
	require.NoError(t, err)

	// the draft is skipped, the known msgid never fetched
	assert.Equal(t, 1, n)
	appended := local.all()
	require.Len(t, appended, 1)
	msg := appended[0]
	assert.ElementsMatch(t, []string{`\Flagged`, "#inbox", "t1"}, msg.Flags)

	origin, orig, err := provenance.Strip(msg.Raw)
	require.NoError(t, err)
	assert.Equal(t, raw, orig)
	assert.Equal(t, "12", origin.GmailUID)
	assert.Equal(t, "102", origin.GmailMsgID)
	assert.Equal(t, "202", origin.GmailThrID)
	assert.Equal(t, "bob", origin.GmailLogin)
	assert.Equal(t, "mlr/thrid/9", origin.ThreadID)

	registry, err := store.Tags(context.Background())
	require.NoError(t, err)
	name, ok := registry.Name("t1")
	assert.True(t, ok)
	assert.Equal(t, "Invoices", name)
}

func TestFetchErrorKeepsCursor(t *testing.T) {
	uids := make([]uint32, 8)
	for i := range uids {
		uids[i] = uint32(i + 1)
	}
	session := &sessionMock{
		SelectedFunc:  func() Folder { return Folder{Box: "INBOX"} },
		StatusFunc:    func() (uint32, uint32) { return 1, 9 },
		UIDsSinceFunc: func(uint32) ([]uint32, error) { return uids, nil },
		FetchFullFunc: func([]uint32, bool) ([]Message, error) {
			return nil, assert.AnError
		},
	}
	store := settings.New(newMemBox())
	local := &srcStoreMock{}

	// one worker, one message per batch: most batches are still queued
	// when the worker bails out
	f := &Fetcher{
		Local:    local,
		Settings: store,
		Account:  genericAccount(),
		Dial:     dialerFor(session),
		Batch:    1,
		Workers:  1,
	}
	_, err := f.Fetch(context.Background(), Folder{Box: "INBOX"})
	require.Error(t, err)
	assert.Empty(t, local.all())

	// a failed pass leaves the cursor alone, the next run repeats the work
	key, err := settings.BoxKey(f.Account, "INBOX", "")
	require.NoError(t, err)
	_, ok, err := store.UIDNext(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchUIDValidityReset(t *testing.T) {
	account := genericAccount()
	store := settings.New(newMemBox())
	key, err := settings.BoxKey(account, "INBOX", "")
	require.NoError(t, err)
	require.NoError(t, store.SetUIDNext(context.Background(), key,
		settings.UIDCursor{Validity: 1, Next: 50}))

	var searchedFrom uint32
	session := &sessionMock{
		SelectedFunc: func() Folder { return Folder{Box: "INBOX"} },
		StatusFunc:   func() (uint32, uint32) { return 2, 60 },
		UIDsSinceFunc: func(uidnext uint32) ([]uint32, error) {
			searchedFrom = uidnext
			return nil, nil
		},
	}
	f := &Fetcher{
		Local:    &srcStoreMock{},
		Settings: store,
		Account:  account,
		Dial:     dialerFor(session),
	}
	n, err := f.Fetch(context.Background(), Folder{Box: "INBOX"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint32(1), searchedFrom)

	cursor, _, err := store.UIDNext(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, settings.UIDCursor{Validity: 2, Next: 60}, cursor)
}

func TestFetchKeepsCursorOnMatchingValidity(t *testing.T) {
	account := genericAccount()
	store := settings.New(newMemBox())
	key, err := settings.BoxKey(account, "INBOX", "")
	require.NoError(t, err)
	require.NoError(t, store.SetUIDNext(context.Background(), key,
		settings.UIDCursor{Validity: 3, Next: 50}))

	session := &sessionMock{
		SelectedFunc: func() Folder { return Folder{Box: "INBOX"} },
		StatusFunc:   func() (uint32, uint32) { return 3, 55 },
		UIDsSinceFunc: func(uidnext uint32) ([]uint32, error) {
			assert.Equal(t, uint32(50), uidnext)
			return nil, nil
		},
	}
	f := &Fetcher{
		Local:    &srcStoreMock{},
		Settings: store,
		Account:  account,
		Dial:     dialerFor(session),
	}
	_, err = f.Fetch(context.Background(), Folder{Box: "INBOX"})
	require.NoError(t, err)

	cursor, _, err := store.UIDNext(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, settings.UIDCursor{Validity: 3, Next: 55}, cursor)
}
