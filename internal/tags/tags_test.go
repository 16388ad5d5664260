package tags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromGmail(t *testing.T) {
	resolve := func(name string) string {
		return map[string]string{"Invoices": "t1", "Личное": "t2"}[name]
	}

	tests := []struct {
		name     string
		tag      string
		flags    []string
		labels   []string
		expected []string
	}{
		{
			name:     "system flags pass through",
			tag:      `\All`,
			flags:    []string{`\Seen`, `\Flagged`},
			expected: []string{`\Seen`, `\Flagged`},
		},
		{
			name:     "unknown flags dropped",
			tag:      `\All`,
			flags:    []string{`\Seen`, "$Phishing", "NonJunk"},
			expected: []string{`\Seen`},
		},
		{
			name:     "labels mapped, important dropped",
			tag:      `\All`,
			flags:    []string{`\Seen`},
			labels:   []string{`\Inbox`, `\Starred`, `\Important`},
			expected: []string{`\Seen`, Inbox, `\Flagged`},
		},
		{
			name:     "custom label resolved",
			tag:      `\All`,
			labels:   []string{"Invoices"},
			expected: []string{"t1"},
		},
		{
			name:     "utf7 label decoded",
			tag:      `\All`,
			labels:   []string{"&BBsEOARHBD0EPgQ1-", `\Inbox`},
			expected: []string{"t2", Inbox},
		},
		{
			name:     "folder tag appended",
			tag:      `\Junk`,
			flags:    []string{`\Seen`},
			expected: []string{`\Seen`, Spam},
		},
		{
			name:     "trash folder",
			tag:      `\Trash`,
			labels:   []string{`\Inbox`},
			expected: []string{Inbox, Trash},
		},
		{
			name:     "drafts label becomes draft flag",
			tag:      `\All`,
			labels:   []string{`\Drafts`},
			expected: []string{`\Draft`},
		},
		{
			name:     "no duplicates",
			tag:      `\Trash`,
			flags:    []string{`\Flagged`},
			labels:   []string{`\Starred`, `\Trash`},
			expected: []string{`\Flagged`, Trash},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FromGmail(tt.tag, tt.flags, tt.labels, resolve))
		})
	}
}

func TestLabelCodecRoundTrip(t *testing.T) {
	for _, label := range []string{"Invoices", "Личное", "With Space", `Ba\ckslash`} {
		decoded := DecodeLabel(EncodeLabel(label))
		assert.Equal(t, label, decoded, label)
	}
}

func TestDecodeLabel(t *testing.T) {
	assert.Equal(t, `\Inbox`, DecodeLabel(`\Inbox`))
	assert.Equal(t, `\Inbox`, DecodeLabel(`"\\Inbox"`))
	assert.Equal(t, "Личное", DecodeLabel("&BBsEOARHBD0EPgQ1-"))
}

func TestThrid(t *testing.T) {
	assert.Equal(t, "mlr/thrid/42", Thrid(42))

	id, ok := ParseThrid("mlr/thrid/42")
	assert.True(t, ok)
	assert.Equal(t, uint32(42), id)

	_, ok = ParseThrid("#inbox")
	assert.False(t, ok)
	_, ok = ParseThrid("mlr/thrid/x")
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)

	tag := r.Get("Invoices")
	assert.Equal(t, Tag{ID: "t1", Name: "Invoices"}, tag)
	assert.True(t, r.Changed())

	// same name, case-insensitive, same id
	assert.Equal(t, "t1", r.Get("invoices").ID)
	assert.Equal(t, "t2", r.Get("Receipts").ID)

	// keywords resolve to themselves
	assert.Equal(t, Tag{ID: "#inbox", Name: "inbox"}, r.Get("#inbox"))

	name, ok := r.Name("t2")
	assert.True(t, ok)
	assert.Equal(t, "Receipts", name)

	all := r.All()
	assert.Len(t, all, 2)
	assert.Equal(t, "t1", all[0].ID)

	// reload from snapshot keeps ids stable
	r2 := NewRegistry(r.Snapshot())
	assert.False(t, r2.Changed())
	assert.Equal(t, "t1", r2.Get("Invoices").ID)
	assert.False(t, r2.Changed())
}
