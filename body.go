// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package forwarder

import (
	"bufio"
	"bytes"
	"io"
)

// maxBufferedBody is the 100 KiB buffering threshold of spec.md §3 "Body
// repeatability", grounded on StreamingHttpEntity.java's INTERNAL_BUFFER_LENGTH.
const maxBufferedBody = 100 * 1024

// StreamingRequestBody wraps the still-buffered client input as a body suitable for
// upstream replay, per spec.md §4.3 (C3). Unlike the Java original, which exposes a
// push-model writeTo(OutputStream) because Apache HttpClient consumes bodies that
// way, this is an io.ReadCloser: Go's net/http pulls request bodies, and an
// io.ReadCloser composes directly with http.Request.Body / http.Request.GetBody.
type StreamingRequestBody struct {
	buffered []byte
	bufPos   int

	remaining    io.Reader // set only when !repeatable and more bytes must stream
	repeatable   bool
	contentLength int64
}

// NewStreamingRequestBody buffers up to 100 KiB of in and decides repeatability per
// spec.md §3:
//   - contentLength in [0, 100KiB]: fully buffered, repeatable.
//   - contentLength < 0 (unknown): buffered up to 100KiB; repeatable iff in has no
//     further bytes available once buffering stops.
//   - contentLength > 100KiB: not pre-buffered, not repeatable, length surfaced
//     unchanged.
func NewStreamingRequestBody(in *bufio.Reader, contentLength int64) (*StreamingRequestBody, error) {
	b := &StreamingRequestBody{contentLength: contentLength}

	if contentLength > maxBufferedBody {
		b.repeatable = false
		b.remaining = io.LimitReader(in, contentLength)
		return b, nil
	}

	toBuffer := contentLength
	if toBuffer < 0 {
		toBuffer = maxBufferedBody
	}

	buf := make([]byte, toBuffer)
	n, err := io.ReadFull(in, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, NewUpstreamIOError("failed to buffer request body", err)
	}
	b.buffered = buf[:n]

	if contentLength >= 0 {
		b.repeatable = true
		return b, nil
	}

	// Unknown length: probe for one more byte to decide whether in is actually
	// drained. Buffered() alone is unreliable here: a single large ReadFull can
	// bypass bufio's prefetch entirely when the source hands back everything in
	// one Read, making Buffered() report zero even with more data pending.
	probe := make([]byte, 1)
	pn, perr := in.Read(probe)
	if pn > 0 {
		b.repeatable = false
		b.remaining = io.MultiReader(bytes.NewReader(probe[:pn]), in)
		return b, nil
	}
	if perr != nil && perr != io.EOF {
		return nil, NewUpstreamIOError("failed to probe request body for additional data", perr)
	}
	b.repeatable = true
	return b, nil
}

func (b *StreamingRequestBody) Repeatable() bool {
	return b.repeatable
}

func (b *StreamingRequestBody) ContentLength() int64 {
	return b.contentLength
}

// Read implements io.Reader: it yields the buffered prefix first, then, when
// non-repeatable, streams the remainder straight from the original source.
func (b *StreamingRequestBody) Read(p []byte) (int, error) {
	if b.bufPos < len(b.buffered) {
		n := copy(p, b.buffered[b.bufPos:])
		b.bufPos += n
		return n, nil
	}
	if b.remaining != nil {
		return b.remaining.Read(p)
	}
	return 0, io.EOF
}

func (b *StreamingRequestBody) Close() error {
	return nil
}

// GetBody returns a fresh Reader over the buffered prefix, suitable for
// http.Request.GetBody, but only when the body is repeatable: per spec.md §3's
// invariant, a non-repeatable body may traverse the upstream at most once.
func (b *StreamingRequestBody) GetBody() func() (io.ReadCloser, error) {
	if !b.repeatable {
		return nil
	}
	buffered := b.buffered
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buffered)), nil
	}
}
