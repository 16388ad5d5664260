// Package settings persists engine state in the local IMAP store. Each key
// is kept as a JSON message in the settings mailbox; appending writes a new
// revision and the newest message wins.
package settings

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"mailur.link/mailur/internal/tags"
)

// Settings keys.
const (
	KeyAccount = "remote/account"
	KeyUIDNext = "remote/uidnext"
	KeyModSeq  = "remote/modseq"
	KeyTags    = "tags"
)

// Mailbox is the storage seam: a mailbox holding one JSON document per
// revision, addressed by key.
type Mailbox interface {
	// Latest returns the body of the newest message for key, or ok=false
	// when the key was never written.
	Latest(ctx context.Context, key string) (body []byte, ok bool, err error)
	// Append stores a new revision for key.
	Append(ctx context.Context, key string, body []byte) error
}

// Store reads and writes typed settings.
type Store struct {
	box Mailbox
}

// New returns a Store over the given mailbox.
func New(box Mailbox) *Store {
	return &Store{box: box}
}

func (s *Store) get(ctx context.Context, key string, v any) (bool, error) {
	body, ok, err := s.box.Latest(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, "settings: reading %s", key)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return false, errors.Wrapf(err, "settings: decoding %s", key)
	}
	return true, nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "settings: encoding %s", key)
	}
	if err := s.box.Append(ctx, key, body); err != nil {
		return errors.Wrapf(err, "settings: writing %s", key)
	}
	return nil
}

// Account holds the remote account credentials and endpoints.
type Account struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
}

// Gmail reports whether the account points at Gmail, which enables the
// label-aware fetch and flag sync paths.
func (a Account) Gmail() bool {
	return a.IMAPHost == "imap.gmail.com"
}

// Validate checks required fields and fills default ports.
func (a *Account) Validate() error {
	missing := []string{}
	for name, value := range map[string]string{
		"username":  a.Username,
		"password":  a.Password,
		"imap_host": a.IMAPHost,
		"smtp_host": a.SMTPHost,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("settings: account is missing %v", missing)
	}
	if a.IMAPPort == 0 {
		a.IMAPPort = 993
	}
	if a.SMTPPort == 0 {
		a.SMTPPort = 587
	}
	return nil
}

// Account returns the stored remote account. ok is false when none is
// configured yet.
func (s *Store) Account(ctx context.Context) (Account, bool, error) {
	var a Account
	ok, err := s.get(ctx, KeyAccount, &a)
	if err != nil || !ok {
		return Account{}, false, err
	}
	if err := a.Validate(); err != nil {
		return Account{}, false, err
	}
	return a, true, nil
}

// SetAccount validates and stores the remote account.
func (s *Store) SetAccount(ctx context.Context, a Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return s.put(ctx, KeyAccount, a)
}

// BoxKey builds the cursor key for a remote folder: host, login and the
// folder tag or name joined with colons.
func BoxKey(a Account, box, tag string) (string, error) {
	name := tag
	if name == "" {
		name = box
	}
	if name == "" {
		return "", errors.New(`settings: "box" or "tag" should be specified`)
	}
	return a.IMAPHost + ":" + a.Username + ":" + name, nil
}

// UIDCursor tracks incremental fetch progress for one remote folder.
type UIDCursor struct {
	Validity uint32 `json:"uidvalidity"`
	Next     uint32 `json:"uidnext"`
}

// UIDNext returns the fetch cursor stored for key.
func (s *Store) UIDNext(ctx context.Context, key string) (UIDCursor, bool, error) {
	all := map[string]UIDCursor{}
	if _, err := s.get(ctx, KeyUIDNext, &all); err != nil {
		return UIDCursor{}, false, err
	}
	cur, ok := all[key]
	return cur, ok, nil
}

// SetUIDNext updates the fetch cursor for key, preserving other folders.
func (s *Store) SetUIDNext(ctx context.Context, key string, cur UIDCursor) error {
	all := map[string]UIDCursor{}
	if _, err := s.get(ctx, KeyUIDNext, &all); err != nil {
		return err
	}
	all[key] = cur
	return s.put(ctx, KeyUIDNext, all)
}

// ModSeq returns the CONDSTORE cursor stored for key.
func (s *Store) ModSeq(ctx context.Context, key string) (uint64, bool, error) {
	all := map[string]uint64{}
	if _, err := s.get(ctx, KeyModSeq, &all); err != nil {
		return 0, false, err
	}
	seq, ok := all[key]
	return seq, ok, nil
}

// SetModSeqs merges the given cursors into the stored map in one write.
// The reconciler persists all of its cursors together after a clean pass.
func (s *Store) SetModSeqs(ctx context.Context, seqs map[string]uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	all := map[string]uint64{}
	if _, err := s.get(ctx, KeyModSeq, &all); err != nil {
		return err
	}
	for key, value := range seqs {
		all[key] = value
	}
	return s.put(ctx, KeyModSeq, all)
}

// Tags loads the custom tag registry.
func (s *Store) Tags(ctx context.Context) (*tags.Registry, error) {
	stored := map[string]tags.Info{}
	if _, err := s.get(ctx, KeyTags, &stored); err != nil {
		return nil, err
	}
	return tags.NewRegistry(stored), nil
}

// SaveTags persists the registry when new tags were minted.
func (s *Store) SaveTags(ctx context.Context, r *tags.Registry) error {
	if !r.Changed() {
		return nil
	}
	return s.put(ctx, KeyTags, r.Snapshot())
}
