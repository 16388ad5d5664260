// Package tags defines the keyword vocabulary of the local store and the
// mapping between Gmail flags/labels and local keywords.
package tags

import (
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/utf7"
)

// Keywords used by the local store.
const (
	Inbox  = "#inbox"
	Spam   = "#spam"
	Trash  = "#trash"
	Sent   = "#sent"
	Chats  = "#chats"
	Link   = "#link"
	Latest = "#latest"
)

// ThridPrefix prefixes per-thread keywords in the parsed mailbox.
const ThridPrefix = "mlr/thrid/"

// Thrid returns the thread keyword for a thread id.
func Thrid(id uint32) string {
	return ThridPrefix + strconv.FormatUint(uint64(id), 10)
}

// ParseThrid extracts the thread id from a thread keyword.
func ParseThrid(flag string) (uint32, bool) {
	if !strings.HasPrefix(flag, ThridPrefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(flag[len(ThridPrefix):], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// system flags carried over from the remote verbatim
var flagMap = map[string]string{
	`\Answered`: `\Answered`,
	`\Flagged`:  `\Flagged`,
	`\Deleted`:  `\Deleted`,
	`\Seen`:     `\Seen`,
	`\Draft`:    `\Draft`,
}

// Gmail system labels to local keywords. \Important is dropped.
var labelMap = map[string]string{
	`\Drafts`:    `\Draft`,
	`\Draft`:     `\Draft`,
	`\Starred`:   `\Flagged`,
	`\Inbox`:     Inbox,
	`\Junk`:      Spam,
	`\Trash`:     Trash,
	`\Sent`:      Sent,
	`\Chats`:     Chats,
	`\Important`: "",
}

// LabelByFlag maps local keywords back to the Gmail labels the reconciler
// pushes. Only these keywords round-trip to Gmail.
var LabelByFlag = map[string]string{
	Trash:      `\Trash`,
	Spam:       `\Junk`,
	Inbox:      `\Inbox`,
	`\Flagged`: `\Starred`,
}

// Synced is the set of flags the reconciler may add or remove locally when
// pulling remote changes.
var Synced = map[string]bool{
	Trash:      true,
	Spam:       true,
	Inbox:      true,
	`\Flagged`: true,
	`\Seen`:    true,
}

// TagKeyword maps a folder's special-use attribute to the keyword stamped
// on messages fetched from it.
func TagKeyword(tag string) string {
	return labelMap[tag]
}

// Resolver turns a custom Gmail label name into a local tag keyword.
type Resolver func(name string) string

// FromGmail converts a Gmail FLAGS list plus X-GM-LABELS list into local
// keywords. tag is the special-use attribute of the folder being fetched
// (its own mapping is appended). Unknown system flags are dropped; custom
// labels go through resolve.
func FromGmail(tag string, flags, labels []string, resolve Resolver) []string {
	var out []string
	seen := map[string]bool{}
	add := func(flag string) {
		if flag == "" || seen[flag] {
			return
		}
		seen[flag] = true
		out = append(out, flag)
	}

	for _, f := range flags {
		add(flagMap[f])
	}
	for _, raw := range labels {
		label := DecodeLabel(raw)
		if mapped, ok := labelMap[label]; ok {
			add(mapped)
			continue
		}
		if resolve != nil {
			add(resolve(label))
		}
	}
	add(labelMap[tag])

	return out
}

// DecodeLabel unquotes, unescapes and UTF-7 decodes a raw label token.
func DecodeLabel(raw string) string {
	label := strings.Trim(raw, `"`)
	label = strings.ReplaceAll(label, `\\`, `\`)
	if decoded, err := utf7.Encoding.NewDecoder().String(label); err == nil {
		label = decoded
	}
	return label
}

// EncodeLabel is the inverse of DecodeLabel for pushing labels to Gmail.
// Labels with spaces are quoted.
func EncodeLabel(label string) string {
	encoded, err := utf7.Encoding.NewEncoder().String(label)
	if err != nil {
		encoded = label
	}
	encoded = strings.ReplaceAll(encoded, `\`, `\\`)
	if strings.Contains(encoded, " ") {
		return `"` + encoded + `"`
	}
	return encoded
}

// Info is the stored form of a custom tag.
type Info struct {
	Name string `json:"name"`
}

// Registry maps custom label names to stable tag ids (t1, t2, ...). The
// mapping is persisted in the settings mailbox under the "tags" key.
type Registry struct {
	tags    map[string]Info
	changed bool
}

// NewRegistry wraps a stored tag mapping. A nil map is an empty registry.
func NewRegistry(tags map[string]Info) *Registry {
	if tags == nil {
		tags = map[string]Info{}
	}
	return &Registry{tags: tags}
}

// Tag is a resolved tag.
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Get resolves a label name to its tag, minting a new id when the name is
// unknown. Names starting with # are returned as-is.
func (r *Registry) Get(name string) Tag {
	if strings.HasPrefix(name, "#") {
		return Tag{ID: name, Name: strings.TrimPrefix(name, "#")}
	}
	for id, info := range r.tags {
		if strings.EqualFold(info.Name, name) {
			return Tag{ID: id, Name: info.Name}
		}
	}
	id := "t" + strconv.Itoa(len(r.tags)+1)
	r.tags[id] = Info{Name: name}
	r.changed = true
	return Tag{ID: id, Name: name}
}

// Name returns the human name of a tag id.
func (r *Registry) Name(id string) (string, bool) {
	info, ok := r.tags[id]
	return info.Name, ok
}

// Changed reports whether Get minted new ids since the registry was loaded.
func (r *Registry) Changed() bool { return r.changed }

// Snapshot returns the mapping for persistence.
func (r *Registry) Snapshot() map[string]Info { return r.tags }

// All returns every tag sorted by id.
func (r *Registry) All() []Tag {
	out := make([]Tag, 0, len(r.tags))
	for id, info := range r.tags {
		out = append(out, Tag{ID: id, Name: info.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
