// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxHeadSize is the implementation-chosen cap on a parsed head, per spec.md §4.2.
const maxHeadSize = 64 * 1024

// HeaderField is a single header line, preserving the exact original case of its
// name so RequestHead.WriteTo can reproduce it verbatim (spec.md §3 RequestHead:
// "ordered header list (each preserving original case for reproduction)").
type HeaderField struct {
	Name  string
	Value string
}

// Fields is an ordered header list. Lookups are case-insensitive, matching HTTP
// semantics, while iteration preserves the original order and case.
type Fields []HeaderField

func (f Fields) Get(name string) (string, bool) {
	for _, h := range f {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// WithoutHeaders returns a copy of f with every field whose name matches one of
// names (case-insensitive) removed. Used to strip hop-by-hop headers (spec.md §8
// property 3).
func (f Fields) WithoutHeaders(names ...string) Fields {
	out := make(Fields, 0, len(f))
	for _, h := range f {
		drop := false
		for _, n := range names {
			if strings.EqualFold(h.Name, n) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, h)
		}
	}
	return out
}

// hopByHopHeaders is the fixed set stripped from every forwarded request/response,
// per spec.md §8 property 3 and §4.5.
var hopByHopHeaders = []string{
	"Proxy-Authorization", "Proxy-Connection", "Connection", "TE",
	"Trailer", "Transfer-Encoding", "Upgrade", "Keep-Alive",
}

func (f Fields) StripHopByHop() Fields {
	return f.WithoutHeaders(hopByHopHeaders...)
}

// RequestHead is the parsed request line and header block of a client request,
// per spec.md §3. Content-Length is parsed to a non-negative integer or -1 when
// absent or malformed; Transfer-Encoding: chunked is recorded but the length stays
// -1 ("unknown length" for the core).
type RequestHead struct {
	Method  string
	Target  string
	Proto   string
	Header  Fields

	ContentLength int64
	Chunked       bool
}

// ParseHead reads a request line and header block from r, up to the first empty
// CRLF line, per spec.md §4.2. Headers longer than maxHeadSize fail with
// MalformedRequest.
func ParseHead(r *bufio.Reader) (*RequestHead, error) {
	line, err := readCappedLine(r, maxHeadSize)
	if err != nil {
		return nil, NewMalformedRequestError("failed to read request line", err)
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, NewMalformedRequestError(fmt.Sprintf("malformed request line %q", line), nil)
	}

	h := &RequestHead{
		Method:        parts[0],
		Target:        parts[1],
		Proto:         parts[2],
		ContentLength: -1,
	}

	budget := maxHeadSize - len(line)
	for {
		hl, err := readCappedLine(r, budget)
		if err != nil {
			return nil, NewMalformedRequestError("failed to read headers", err)
		}
		budget -= len(hl)
		if hl == "" {
			break
		}

		name, value, ok := strings.Cut(hl, ":")
		if !ok {
			return nil, NewMalformedRequestError(fmt.Sprintf("malformed header line %q", hl), nil)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		h.Header = append(h.Header, HeaderField{Name: name, Value: value})

		switch strings.ToLower(name) {
		case "content-length":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
				h.ContentLength = n
			}
		case "transfer-encoding":
			if strings.EqualFold(value, "chunked") {
				h.Chunked = true
				h.ContentLength = -1
			}
		}
	}

	return h, nil
}

// readCappedLine reads a single CRLF- or LF-terminated line, failing once more than
// budget bytes have been consumed without finding a terminator.
func readCappedLine(r *bufio.Reader, budget int) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			s := sb.String()
			s = strings.TrimSuffix(s, "\r")
			return s, nil
		}
		sb.WriteByte(b)
		if sb.Len() > budget {
			return "", fmt.Errorf("head exceeds %d bytes", maxHeadSize)
		}
	}
}

// WriteTo is the CrlfFramer's reverse operation: it emits "<line>\r\n" for the
// request/status line and each header, followed by a final bare "\r\n", per
// spec.md §4.2. Errors are returned to the caller, who per spec.md §4.2/§4.4 must
// swallow them (log at debug) on the client-write path, since clients often close
// the socket immediately upon seeing the status line.
func (h *RequestHead) WriteTo(w io.Writer) error {
	if _, err := io.WriteString(w, h.Method+" "+h.Target+" "+h.Proto+"\r\n"); err != nil {
		return err
	}
	for _, f := range h.Header {
		if _, err := io.WriteString(w, f.Name+": "+f.Value+"\r\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteStatusLine is the CrlfFramer's reverse operation applied to an upstream
// status line and header block (used by TunnelNegotiator, spec.md §4.4 step 5).
func WriteStatusLine(w io.Writer, statusLine string, header Fields) error {
	if _, err := io.WriteString(w, statusLine+"\r\n"); err != nil {
		return err
	}
	for _, f := range header {
		if _, err := io.WriteString(w, f.Name+": "+f.Value+"\r\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
