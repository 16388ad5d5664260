// Package provenance implements the header block prepended to every message
// stored in the Src mailbox. The block records where a message came from and
// its content hash, and must round-trip byte-exactly: stripping the block
// returns the original message unchanged.
package provenance

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// Header names written by the fetchers.
const (
	HeaderSHA256      = "X-SHA256"
	HeaderRemoteHost  = "X-Remote-Host"
	HeaderRemoteLogin = "X-Remote-Login"
	HeaderGmailUID    = "X-GM-UID"
	HeaderGmailMsgID  = "X-GM-MSGID"
	HeaderGmailThrID  = "X-GM-THRID"
	HeaderGmailLogin  = "X-GM-Login"
	HeaderThreadID    = "X-Thread-ID"
)

// ThreadIDDomain suffixes the X-Thread-ID value, Message-ID style.
const ThreadIDDomain = "@mailur.link"

// Origin describes the source of a message stored in Src.
type Origin struct {
	SHA256      string
	RemoteHost  string
	RemoteLogin string

	GmailUID   string
	GmailMsgID string
	GmailThrID string
	GmailLogin string

	// ThreadID is the mlr/thrid/N keyword carried over from a previous
	// import, without the domain suffix.
	ThreadID string
}

// Gmail reports whether the origin was recorded by the Gmail fetcher.
func (o Origin) Gmail() bool { return o.GmailMsgID != "" }

// Sum returns the lowercase hex SHA-256 of raw.
func Sum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// WrapIMAP prepends the generic provenance block.
func WrapIMAP(raw []byte, host, login string) []byte {
	headers := []string{
		HeaderSHA256 + ": <" + Sum(raw) + ">",
		HeaderRemoteHost + ": <" + host + ">",
		HeaderRemoteLogin + ": <" + login + ">",
	}
	return wrap(headers, raw)
}

// WrapGmail prepends the Gmail provenance block. threadID, when not empty,
// is an mlr/thrid/N value remembered from a previous import.
func WrapGmail(raw []byte, uid, msgid, thrid, login, threadID string) []byte {
	headers := []string{
		HeaderSHA256 + ": <" + Sum(raw) + ">",
		HeaderGmailUID + ": <" + uid + ">",
		HeaderGmailMsgID + ": <" + msgid + ">",
		HeaderGmailThrID + ": <" + thrid + ">",
		HeaderGmailLogin + ": <" + login + ">",
	}
	if threadID != "" {
		headers = append(headers, HeaderThreadID+": <"+threadID+ThreadIDDomain+">")
	}
	return wrap(headers, raw)
}

func wrap(headers []string, raw []byte) []byte {
	// line break should be in the end, so an empty string here
	headers = append(headers, "")
	return append([]byte(strings.Join(headers, "\r\n")), raw...)
}

var known = map[string]bool{
	HeaderSHA256:      true,
	HeaderRemoteHost:  true,
	HeaderRemoteLogin: true,
	HeaderGmailUID:    true,
	HeaderGmailMsgID:  true,
	HeaderGmailThrID:  true,
	HeaderGmailLogin:  true,
	HeaderThreadID:    true,
}

// Strip parses the provenance block off the front of a Src message and
// returns the origin plus the original bytes. It fails when no block is
// present.
func Strip(stored []byte) (Origin, []byte, error) {
	var o Origin
	rest := stored
	seen := 0
	for {
		nl := bytes.Index(rest, []byte("\r\n"))
		if nl < 0 {
			break
		}
		name, value, ok := splitHeader(rest[:nl])
		if !ok || !known[name] {
			break
		}
		o.set(name, value)
		seen++
		rest = rest[nl+2:]
	}
	if seen == 0 || o.SHA256 == "" {
		return Origin{}, nil, errors.New("provenance: no header block")
	}
	return o, rest, nil
}

func (o *Origin) set(name, value string) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "<")
	value = strings.TrimSuffix(value, ">")
	switch name {
	case HeaderSHA256:
		o.SHA256 = value
	case HeaderRemoteHost:
		o.RemoteHost = value
	case HeaderRemoteLogin:
		o.RemoteLogin = value
	case HeaderGmailUID:
		o.GmailUID = value
	case HeaderGmailMsgID:
		o.GmailMsgID = value
	case HeaderGmailThrID:
		o.GmailThrID = value
	case HeaderGmailLogin:
		o.GmailLogin = value
	case HeaderThreadID:
		o.ThreadID = strings.TrimSuffix(value, ThreadIDDomain)
	}
}

func splitHeader(line []byte) (name, value string, ok bool) {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return "", "", false
	}
	return string(line[:colon]), string(line[colon+1:]), true
}
