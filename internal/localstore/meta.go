package localstore

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"

	"mailur.link/mailur/internal/provenance"
)

// previewLimit caps the plain-text preview stored in metadata.
const previewLimit = 200

// Addr is a parsed address.
type Addr struct {
	Name string `json:"name,omitempty"`
	Addr string `json:"addr"`
}

// File describes one attachment.
type File struct {
	Filename string `json:"filename"`
	Path     string `json:"path,omitempty"`
}

// Meta is the JSON document stored as the body of a parsed message in All.
// The UI renders message lists from these documents without touching Src.
type Meta struct {
	Subject   string   `json:"subject"`
	Preview   string   `json:"preview,omitempty"`
	From      *Addr    `json:"from,omitempty"`
	To        []Addr   `json:"to,omitempty"`
	CC        []Addr   `json:"cc,omitempty"`
	Date      int64    `json:"date"`
	MsgID     string   `json:"msgid"`
	Parent    string   `json:"parent,omitempty"`
	Refs      []string `json:"refs,omitempty"`
	Files     []File   `json:"files,omitempty"`
	DraftID   string   `json:"draft_id,omitempty"`
	OriginUID uint32   `json:"origin_uid"`
	ParseErr  string   `json:"parse_err,omitempty"`
}

// BuildMeta parses an original message (provenance already stripped) into
// its metadata document. Parse failures are recorded in the document rather
// than propagated: a broken message still gets a row in All.
func BuildMeta(orig []byte, originUID uint32) Meta {
	meta := Meta{OriginUID: originUID}

	mr, err := mail.CreateReader(bytes.NewReader(orig))
	if err != nil {
		meta.ParseErr = err.Error()
		if mr == nil {
			meta.MsgID = mintMsgID(originUID)
			return meta
		}
	}

	h := mr.Header
	meta.Subject, _ = h.Subject()
	if date, err := h.Date(); err == nil && !date.IsZero() {
		meta.Date = date.Unix()
	}
	if msgid, err := h.MessageID(); err == nil && msgid != "" {
		meta.MsgID = msgid
	} else {
		meta.MsgID = mintMsgID(originUID)
	}
	meta.From = firstAddr(h, "From")
	meta.To = addrList(h, "To")
	meta.CC = addrList(h, "Cc")
	meta.DraftID = strings.Trim(h.Get("X-Draft-ID"), "<>")

	if refs, err := h.MsgIDList("References"); err == nil {
		meta.Refs = refs
	}
	if len(meta.Refs) > 0 {
		meta.Parent = meta.Refs[len(meta.Refs)-1]
	} else if irt, err := h.MsgIDList("In-Reply-To"); err == nil && len(irt) > 0 {
		meta.Parent = irt[0]
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			meta.ParseErr = err.Error()
			break
		}
		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			if meta.Preview != "" {
				continue
			}
			if ct, _, err := ph.ContentType(); err == nil && ct == "text/plain" {
				body, err := io.ReadAll(part.Body)
				if err == nil {
					meta.Preview = preview(body)
				}
			}
		case *mail.AttachmentHeader:
			if filename, err := ph.Filename(); err == nil && filename != "" {
				meta.Files = append(meta.Files, File{Filename: filename})
			}
		}
	}
	return meta
}

func mintMsgID(originUID uint32) string {
	return "mlr." + strconv.FormatUint(uint64(originUID), 10) + "@mailur.link"
}

func firstAddr(h mail.Header, key string) *Addr {
	list := addrList(h, key)
	if len(list) == 0 {
		return nil
	}
	return &list[0]
}

func addrList(h mail.Header, key string) []Addr {
	parsed, err := h.AddressList(key)
	if err != nil || len(parsed) == 0 {
		return nil
	}
	out := make([]Addr, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, Addr{Name: a.Name, Addr: a.Address})
	}
	return out
}

func preview(body []byte) string {
	text := strings.Join(strings.Fields(string(body)), " ")
	runes := []rune(text)
	if len(runes) > previewLimit {
		return string(runes[:previewLimit])
	}
	return text
}

// HeaderOriginUID pairs a parsed message in All with its Src original.
const HeaderOriginUID = "X-UID"

// EncodeParsed renders a metadata document as the raw message appended to
// All. The X-UID header pairs it with its Src original.
func EncodeParsed(meta Meta) []byte {
	headers := []string{
		HeaderOriginUID + ": <" + strconv.FormatUint(uint64(meta.OriginUID), 10) + ">",
		"Message-ID: <" + meta.MsgID + ">",
		"Content-Type: application/json",
	}
	if meta.DraftID != "" {
		headers = append(headers, "X-Draft-ID: <"+meta.DraftID+">")
	}
	headers = append(headers, "", "")
	body, _ := json.Marshal(meta)
	return append([]byte(strings.Join(headers, "\r\n")), body...)
}

// DecodeParsed reads a metadata document back from an All message.
func DecodeParsed(raw []byte) (Meta, error) {
	body := messageBody(raw)
	if body == nil {
		return Meta{}, errors.New("localstore: parsed message has no body")
	}
	var meta Meta
	if err := json.Unmarshal(body, &meta); err != nil {
		return Meta{}, errors.Wrap(err, "localstore: decoding metadata")
	}
	return meta, nil
}

// StripSrc splits a Src message into its origin block and original bytes.
// Messages without a block (should not happen) get a zero origin.
func StripSrc(raw []byte) (provenance.Origin, []byte) {
	origin, orig, err := provenance.Strip(raw)
	if err != nil {
		return provenance.Origin{}, raw
	}
	return origin, orig
}
