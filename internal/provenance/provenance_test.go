package provenance

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var raw = []byte("Subject: hi\r\nMessage-ID: <1@x>\r\n\r\nbody\r\n")

func TestWrapIMAPRoundTrip(t *testing.T) {
	stored := WrapIMAP(raw, "mail.example.com", "alice")

	origin, orig, err := Strip(stored)
	require.NoError(t, err)

	assert.Equal(t, raw, orig)
	assert.Equal(t, Sum(raw), origin.SHA256)
	assert.Equal(t, "mail.example.com", origin.RemoteHost)
	assert.Equal(t, "alice", origin.RemoteLogin)
	assert.False(t, origin.Gmail())
}

func TestWrapGmailRoundTrip(t *testing.T) {
	stored := WrapGmail(raw, "42", "1234567890", "987654321", "alice@gmail.com", "mlr/thrid/17")

	origin, orig, err := Strip(stored)
	require.NoError(t, err)

	assert.Equal(t, raw, orig)
	assert.Equal(t, Sum(raw), origin.SHA256)
	assert.Equal(t, "42", origin.GmailUID)
	assert.Equal(t, "1234567890", origin.GmailMsgID)
	assert.Equal(t, "987654321", origin.GmailThrID)
	assert.Equal(t, "alice@gmail.com", origin.GmailLogin)
	assert.Equal(t, "mlr/thrid/17", origin.ThreadID)
	assert.True(t, origin.Gmail())
}

func TestWrapGmailNoThreadID(t *testing.T) {
	stored := WrapGmail(raw, "42", "1", "2", "alice@gmail.com", "")
	assert.NotContains(t, string(stored), HeaderThreadID)

	origin, _, err := Strip(stored)
	require.NoError(t, err)
	assert.Empty(t, origin.ThreadID)
}

func TestWrapLayout(t *testing.T) {
	stored := WrapIMAP(raw, "h", "l")
	text := string(stored)

	// the block ends with CRLF directly followed by the original first header
	assert.True(t, strings.HasPrefix(text, "X-SHA256: <"))
	assert.Contains(t, text, ">\r\nSubject: hi\r\n")
	assert.NotContains(t, text, "\r\n\r\nSubject")
}

func TestStripRejectsPlainMessage(t *testing.T) {
	_, _, err := Strip(raw)
	assert.Error(t, err)
}

func TestSumStable(t *testing.T) {
	assert.Equal(t, Sum(raw), Sum(append([]byte(nil), raw...)))
	assert.NotEqual(t, Sum(raw), Sum([]byte("x")))
	assert.Len(t, Sum(raw), 64)
}
