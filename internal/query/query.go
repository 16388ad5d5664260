// Package query translates the search mini-language used by the UI into
// IMAP SEARCH criteria against the parsed mailbox.
//
// Examples:
//
//	:unread from:alice@example.com
//	tag:#inbox subj:"quarterly report"
//	date:2023-04 :pinned
//	thr:42
package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/pkg/errors"
)

// Options carries the parts of a query that shape the response rather
// than the SEARCH itself.
type Options struct {
	// Thread asks for one whole thread instead of a message list.
	Thread bool
	// Threads groups results into threads.
	Threads bool
	// Draft holds the X-Draft-ID when the query targets one draft.
	Draft string
	// Tags lists the tags named by the query, in order.
	Tags []string
}

// Parse translates a query into SEARCH criteria plus options. An empty
// query matches everything except hidden messages.
func Parse(q string) (*imap.SearchCriteria, Options, error) {
	criteria := &imap.SearchCriteria{}
	opts := Options{}

	tokens := tokenize(q)
	var text []string

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		name, value, found := strings.Cut(tok, ":")
		if !found {
			text = append(text, tok)
			continue
		}
		name = strings.ToLower(name)

		switch name {
		case "":
			switch strings.ToLower(value) {
			case "raw":
				rest := tokens[i+1:]
				i = len(tokens)
				if err := parseRaw(rest, criteria); err != nil {
					return nil, Options{}, err
				}
			case "threads":
				opts.Threads = true
			case "draft":
				criteria.Flag = append(criteria.Flag, imap.FlagDraft)
			case "unread", "unseen":
				criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
			case "read", "seen":
				criteria.Flag = append(criteria.Flag, imap.FlagSeen)
			case "pin", "pinned", "flagged":
				criteria.Flag = append(criteria.Flag, imap.FlagFlagged)
			case "unpin", "unpinned", "unflagged":
				criteria.NotFlag = append(criteria.NotFlag, imap.FlagFlagged)
			default:
				text = append(text, tok)
			}
		case "thr", "thread":
			uid, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, Options{}, errors.Errorf("query: bad thread id %q", value)
			}
			opts.Thread = true
			var set imap.UIDSet
			set.AddNum(imap.UID(uid))
			criteria.UID = append(criteria.UID, set)
		case "tag", "in", "has":
			opts.Tags = append(opts.Tags, value)
			criteria.Flag = append(criteria.Flag, imap.Flag(value))
		case "subj", "subject":
			criteria.Header = append(criteria.Header,
				imap.SearchCriteriaHeaderField{Key: "Subject", Value: unquote(value)})
		case "from":
			criteria.Header = append(criteria.Header,
				imap.SearchCriteriaHeaderField{Key: "From", Value: unquote(value)})
		case "mid", "message_id":
			criteria.Header = append(criteria.Header,
				imap.SearchCriteriaHeaderField{Key: "Message-ID", Value: value})
		case "ref":
			// matches the message itself or anything referencing it
			criteria.Or = append(criteria.Or, [2]imap.SearchCriteria{
				{Header: []imap.SearchCriteriaHeaderField{{Key: "Message-ID", Value: value}}},
				{Header: []imap.SearchCriteriaHeaderField{{Key: "References", Value: value}}},
			})
		case "uid":
			var set imap.UIDSet
			for _, part := range strings.Split(value, ",") {
				uid, err := strconv.ParseUint(part, 10, 32)
				if err != nil {
					return nil, Options{}, errors.Errorf("query: bad uid %q", part)
				}
				set.AddNum(imap.UID(uid))
			}
			criteria.UID = append(criteria.UID, set)
		case "date":
			since, before, on, err := parseDate(value)
			if err != nil {
				return nil, Options{}, err
			}
			if !on.IsZero() {
				criteria.Since = on
				criteria.Before = on.AddDate(0, 0, 1)
			} else {
				criteria.Since = since
				criteria.Before = before
			}
		case "draft":
			opts.Draft = value
			opts.Thread = true
			criteria.Header = append(criteria.Header,
				imap.SearchCriteriaHeaderField{Key: "X-Draft-ID", Value: value})
		default:
			text = append(text, tok)
		}
	}

	if len(text) > 0 {
		criteria.Text = append(criteria.Text, unquote(strings.Join(text, " ")))
	}

	hide(criteria, opts.Tags)
	return criteria, opts, nil
}

// hide excludes linked duplicates always and trashed/spammed messages
// unless the query asks for those tags.
func hide(criteria *imap.SearchCriteria, tags []string) {
	asked := map[string]bool{}
	for _, tag := range tags {
		asked[tag] = true
	}
	criteria.NotFlag = append(criteria.NotFlag, imap.Flag("#link"))
	if !asked["#trash"] {
		criteria.NotFlag = append(criteria.NotFlag, imap.Flag("#trash"))
	}
	if !asked["#spam"] && !asked["#trash"] {
		criteria.NotFlag = append(criteria.NotFlag, imap.Flag("#spam"))
	}
}

// parseDate handles date:2023, date:2023-04 and date:2023-04-05. A full
// date is returned in on; a year or month comes back as a half-open
// since/before range.
func parseDate(value string) (since, before, on time.Time, err error) {
	parts := strings.Split(value, "-")
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		n, perr := strconv.Atoi(p)
		if perr != nil {
			return since, before, on, errors.Errorf("query: bad date %q", value)
		}
		nums = append(nums, n)
	}
	switch len(nums) {
	case 1:
		since = time.Date(nums[0], 1, 1, 0, 0, 0, 0, time.UTC)
		before = since.AddDate(1, 0, 0)
	case 2:
		since = time.Date(nums[0], time.Month(nums[1]), 1, 0, 0, 0, 0, time.UTC)
		before = since.AddDate(0, 1, 0)
	case 3:
		on = time.Date(nums[0], time.Month(nums[1]), nums[2], 0, 0, 0, 0, time.UTC)
	default:
		return since, before, on, errors.Errorf("query: bad date %q", value)
	}
	return since, before, on, nil
}

// parseRaw translates a verbatim IMAP SEARCH tail. Only the common atoms
// are accepted, anything else is an error rather than a silent pass
// through to the server.
func parseRaw(tokens []string, criteria *imap.SearchCriteria) error {
	for i := 0; i < len(tokens); i++ {
		atom := strings.ToUpper(tokens[i])
		arg := func() (string, error) {
			if i+1 >= len(tokens) {
				return "", errors.Errorf("query: %s needs an argument", atom)
			}
			i++
			return unquote(tokens[i]), nil
		}

		switch atom {
		case "ALL":
		case "SEEN":
			criteria.Flag = append(criteria.Flag, imap.FlagSeen)
		case "UNSEEN":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
		case "FLAGGED":
			criteria.Flag = append(criteria.Flag, imap.FlagFlagged)
		case "UNFLAGGED":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagFlagged)
		case "DRAFT":
			criteria.Flag = append(criteria.Flag, imap.FlagDraft)
		case "UNDRAFT":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagDraft)
		case "ANSWERED":
			criteria.Flag = append(criteria.Flag, imap.FlagAnswered)
		case "UNANSWERED":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagAnswered)
		case "KEYWORD", "UNKEYWORD":
			value, err := arg()
			if err != nil {
				return err
			}
			if atom == "KEYWORD" {
				criteria.Flag = append(criteria.Flag, imap.Flag(value))
			} else {
				criteria.NotFlag = append(criteria.NotFlag, imap.Flag(value))
			}
		case "FROM", "TO", "CC", "BCC", "SUBJECT":
			value, err := arg()
			if err != nil {
				return err
			}
			keys := map[string]string{
				"FROM": "From", "TO": "To", "CC": "Cc",
				"BCC": "Bcc", "SUBJECT": "Subject",
			}
			criteria.Header = append(criteria.Header,
				imap.SearchCriteriaHeaderField{Key: keys[atom], Value: value})
		case "HEADER":
			key, err := arg()
			if err != nil {
				return err
			}
			value, err := arg()
			if err != nil {
				return err
			}
			criteria.Header = append(criteria.Header,
				imap.SearchCriteriaHeaderField{Key: key, Value: value})
		case "TEXT", "BODY":
			value, err := arg()
			if err != nil {
				return err
			}
			if atom == "TEXT" {
				criteria.Text = append(criteria.Text, value)
			} else {
				criteria.Body = append(criteria.Body, value)
			}
		case "SINCE", "BEFORE", "ON":
			value, err := arg()
			if err != nil {
				return err
			}
			date, err := time.Parse("2-Jan-2006", value)
			if err != nil {
				return errors.Errorf("query: bad date %q", value)
			}
			switch atom {
			case "SINCE":
				criteria.Since = date
			case "BEFORE":
				criteria.Before = date
			case "ON":
				criteria.Since = date
				criteria.Before = date.AddDate(0, 0, 1)
			}
		case "UID":
			value, err := arg()
			if err != nil {
				return err
			}
			set, err := parseUIDSet(value)
			if err != nil {
				return err
			}
			criteria.UID = append(criteria.UID, set)
		default:
			return errors.Errorf("query: unsupported atom %q", tokens[i])
		}
	}
	return nil
}

// parseUIDSet parses "1,3:5" style UID sets.
func parseUIDSet(value string) (imap.UIDSet, error) {
	var set imap.UIDSet
	for _, part := range strings.Split(value, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		start, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, errors.Errorf("query: bad uid set %q", value)
		}
		if !isRange {
			set.AddNum(imap.UID(start))
			continue
		}
		if hi == "*" {
			set.AddRange(imap.UID(start), 0)
			continue
		}
		end, err := strconv.ParseUint(hi, 10, 32)
		if err != nil {
			return nil, errors.Errorf("query: bad uid set %q", value)
		}
		set.AddRange(imap.UID(start), imap.UID(end))
	}
	return set, nil
}

// tokenize splits on whitespace keeping double-quoted spans, including a
// prefix:"quoted value", as single tokens.
func tokenize(q string) []string {
	var tokens []string
	var cur strings.Builder
	quoted := false
	for _, r := range q {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case !quoted && (r == ' ' || r == '\t' || r == '\n'):
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
