// Package article implements the article processor of spec.md §4.3: the
// pipeline that takes a raw buffer off an NNTP receiver channel and turns
// it into a stored, historied, overview-indexed, propagated article (or
// a refusal/rejection).
//
// Grounded on the teacher's internal/processor package (processor.go's
// Processor and proc-utils.go's date/header helpers) and, for the exact
// required/obsolete header classification, the original implementation's
// ARTheaders table (original_source/innd/art.c).
package article

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// headerKind mirrors art.c's HTreq/HTstd/HTobs/HTsav classification.
type headerKind int

const (
	htStd headerKind = iota
	htReq
	htObs
	htSav
)

// knownHeaders is the fixed table consulted during canonicalisation.
// art.c builds a balanced binary tree over this table at startup; a Go
// map gives the same O(1) lookup without hand-rolling tree balancing.
var knownHeaders = map[string]headerKind{
	"Approved":           htStd,
	"Control":             htStd,
	"Date":                htReq,
	"Distribution":        htStd,
	"Expires":             htStd,
	"From":                htReq,
	"Lines":               htStd,
	"Message-ID":          htReq,
	"Newsgroups":          htReq,
	"Path":                htReq,
	"Reply-To":            htStd,
	"Sender":              htStd,
	"Subject":             htReq,
	"Supersedes":          htStd,
	"Bytes":               htStd,
	"Also-Control":        htStd,
	"References":          htStd,
	"Xref":                htSav,
	"Keywords":            htStd,
	"X-Trace":             htStd,
	"Date-Received":       htObs,
	"Posted":              htObs,
	"Posting-Version":     htObs,
	"Received":            htObs,
	"Relay-Version":       htObs,
	"NNTP-Posting-Host":   htStd,
	"Followup-To":         htStd,
	"Organization":        htStd,
	"Content-Type":        htStd,
	"Content-Base":        htStd,
	"Content-Disposition": htStd,
	"X-Newsreader":        htStd,
	"X-Mailer":            htStd,
	"X-Newsposter":        htStd,
	"X-Cancelled-By":      htStd,
	"X-Canceled-By":       htStd,
	"Cancel-Key":          htStd,
}

var requiredHeaders = func() []string {
	var req []string
	for name, kind := range knownHeaders {
		if kind == htReq {
			req = append(req, name)
		}
	}
	sort.Strings(req)
	return req
}()

// Headers is an ordered, case-insensitively-keyed header set. Order is
// preserved for headers that pass through unmodified.
type Headers struct {
	order  []string
	values map[string]string
}

func newHeaders() *Headers {
	return &Headers{values: make(map[string]string)}
}

func canonKey(name string) string {
	return strings.ToLower(name)
}

func (h *Headers) set(name, value string) {
	k := canonKey(name)
	if _, exists := h.values[k]; !exists {
		h.order = append(h.order, name)
	}
	h.values[k] = value
}

// Get returns a header's value by case-insensitive name.
func (h *Headers) Get(name string) (string, bool) {
	v, ok := h.values[canonKey(name)]
	return v, ok
}

// Names returns header names in first-seen order.
func (h *Headers) Names() []string {
	return h.order
}

// Saved returns the kept-for-rewriting value of a "Save" header (Xref),
// set during canonicalisation and stripped from the pass-through copy.
func (h *Headers) Saved(name string) (string, bool) {
	v, ok := h.values["saved:"+canonKey(name)]
	return v, ok
}

// parsedArticle is the result of header canonicalisation, step 1 of the
// pipeline.
type parsedArticle struct {
	Headers *Headers
	Body    []byte
}

// errDuplicateHeader reports step 1's "duplicate required header fails
// the article" rule.
type errDuplicateHeader struct{ Name string }

func (e *errDuplicateHeader) Error() string {
	return fmt.Sprintf("duplicate required header %q", e.Name)
}

// canonicalizeHeaders implements spec.md §4.3 step 1: fold continuation
// lines, classify each header against knownHeaders, strip obsolete
// headers, retain Save headers (Xref) for later rewriting while removing
// them from the pass-through body, and fail on duplicate required
// headers.
func canonicalizeHeaders(buf []byte) (*parsedArticle, error) {
	reader := bufio.NewReaderSize(bytes.NewReader(buf), 64*1024)
	h := newHeaders()
	seenRequired := make(map[string]bool)

	var curName, curValue string
	flush := func() error {
		if curName == "" {
			return nil
		}
		name := curName
		kind, known := knownHeaders[name]
		if known && kind == htReq {
			if seenRequired[name] {
				return &errDuplicateHeader{Name: name}
			}
			seenRequired[name] = true
		}
		if known && kind == htObs {
			curName, curValue = "", ""
			return nil
		}
		if known && kind == htSav {
			h.values["saved:"+canonKey(name)] = curValue
			curName, curValue = "", ""
			return nil
		}
		h.set(name, curValue)
		curName, curValue = "", ""
		return nil
	}

	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if ferr := flush(); ferr != nil {
				return nil, ferr
			}
			break
		}
		if (trimmed[0] == ' ' || trimmed[0] == '\t') && curName != "" {
			curValue += " " + strings.TrimSpace(trimmed)
		} else {
			if ferr := flush(); ferr != nil {
				return nil, ferr
			}
			idx := strings.IndexByte(trimmed, ':')
			if idx < 0 {
				continue // not a header line; ignore silently like a tolerant parser
			}
			curName = canonicalHeaderName(trimmed[:idx])
			curValue = strings.TrimSpace(trimmed[idx+1:])
		}
		if err != nil {
			break
		}
	}

	for _, name := range requiredHeaders {
		if !seenRequired[name] {
			return nil, fmt.Errorf("missing required header %q", name)
		}
	}

	body, _ := readAll(reader)

	return &parsedArticle{Headers: h, Body: body}, nil
}

func readAll(r *bufio.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			return out, nil
		}
	}
}

// canonicalHeaderName title-cases a header name the way the known-header
// table is keyed ("message-id" -> "Message-ID"), falling back to the
// table's own casing when the header is known, else a simple per-word
// capitalisation for pass-through headers.
func canonicalHeaderName(name string) string {
	name = strings.TrimSpace(name)
	for known := range knownHeaders {
		if strings.EqualFold(known, name) {
			return known
		}
	}
	parts := strings.Split(name, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}
