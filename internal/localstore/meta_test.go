package localstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawMsg(headers ...string) []byte {
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\nHello there,\r\nthis is the body.\r\n")
}

func TestBuildMeta(t *testing.T) {
	orig := rawMsg(
		"From: Alice <alice@example.com>",
		"To: Bob <bob@example.com>, carol@example.com",
		"Subject: Quarterly report",
		"Date: Mon, 02 Jan 2023 15:04:05 +0000",
		"Message-ID: <m2@example.com>",
		"References: <m0@example.com> <m1@example.com>",
		"Content-Type: text/plain",
	)

	meta := BuildMeta(orig, 42)

	assert.Equal(t, uint32(42), meta.OriginUID)
	assert.Equal(t, "Quarterly report", meta.Subject)
	assert.Equal(t, "m2@example.com", meta.MsgID)
	assert.Equal(t, []string{"m0@example.com", "m1@example.com"}, meta.Refs)
	assert.Equal(t, "m1@example.com", meta.Parent)
	require.NotNil(t, meta.From)
	assert.Equal(t, Addr{Name: "Alice", Addr: "alice@example.com"}, *meta.From)
	assert.Len(t, meta.To, 2)
	assert.Equal(t, "Hello there, this is the body.", meta.Preview)
	assert.NotZero(t, meta.Date)
	assert.Empty(t, meta.ParseErr)
}

func TestBuildMetaMintsMsgID(t *testing.T) {
	orig := rawMsg("Subject: no msgid", "Content-Type: text/plain")
	meta := BuildMeta(orig, 7)
	assert.Equal(t, "mlr.7@mailur.link", meta.MsgID)
}

func TestBuildMetaInReplyToFallback(t *testing.T) {
	orig := rawMsg(
		"Subject: re",
		"Message-ID: <m2@x>",
		"In-Reply-To: <m1@x>",
		"Content-Type: text/plain",
	)
	meta := BuildMeta(orig, 3)
	assert.Equal(t, "m1@x", meta.Parent)
	assert.Empty(t, meta.Refs)
}

func TestEncodeDecodeParsed(t *testing.T) {
	meta := Meta{
		Subject:   "hi",
		MsgID:     "m1@x",
		Date:      1700000000,
		OriginUID: 12,
		DraftID:   "abcd1234",
	}
	raw := EncodeParsed(meta)

	assert.Equal(t, "12", headerValue(raw, HeaderOriginUID))
	assert.Equal(t, "m1@x", headerValue(raw, "Message-ID"))
	assert.Equal(t, "abcd1234", headerValue(raw, "X-Draft-ID"))

	decoded, err := DecodeParsed(raw)
	require.NoError(t, err)
	assert.Equal(t, meta, decoded)
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("word ", 100)
	p := preview([]byte(long))
	assert.LessOrEqual(t, len([]rune(p)), previewLimit)
}

func TestThreadIndexAssign(t *testing.T) {
	idx := &threadIndex{byMsgID: map[string]uint32{
		"root@x": 10,
	}}

	// reply joins via references
	id := idx.assign(Meta{MsgID: "r1@x", Refs: []string{"root@x"}, OriginUID: 11}, "")
	assert.Equal(t, uint32(10), id)

	// nested reply joins via the registered reply
	id = idx.assign(Meta{MsgID: "r2@x", Refs: []string{"r1@x"}, OriginUID: 12}, "")
	assert.Equal(t, uint32(10), id)

	// parent fallback
	id = idx.assign(Meta{MsgID: "r3@x", Parent: "r2@x", OriginUID: 13}, "")
	assert.Equal(t, uint32(10), id)

	// unrelated message starts a thread at its own origin uid
	id = idx.assign(Meta{MsgID: "new@x", OriginUID: 20}, "")
	assert.Equal(t, uint32(20), id)

	// remembered keyword wins over everything
	id = idx.assign(Meta{MsgID: "old@x", Refs: []string{"root@x"}, OriginUID: 21}, "mlr/thrid/99")
	assert.Equal(t, uint32(99), id)

	// duplicate msgid keeps its thread
	id = idx.assign(Meta{MsgID: "r1@x", OriginUID: 30}, "")
	assert.Equal(t, uint32(10), id)
}

func TestStripSrcTolerates(t *testing.T) {
	plain := rawMsg("Subject: x", "Content-Type: text/plain")
	origin, orig := StripSrc(plain)
	assert.Empty(t, origin.SHA256)
	assert.Equal(t, plain, orig)
}

func TestHeaderValue(t *testing.T) {
	raw := []byte("X-UID: <17>\r\nSubject: hello\r\n\r\n")
	assert.Equal(t, "17", headerValue(raw, "X-UID"))
	assert.Equal(t, "hello", headerValue(raw, "Subject"))
	assert.Equal(t, "17", headerValue(raw, "x-uid"))
	assert.Equal(t, "", headerValue(raw, "Missing"))
}
