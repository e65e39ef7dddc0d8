package premis

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// byteOrderMark is the UTF-8 encoding of U+FEFF, allowed before the prolog.
var byteOrderMark = []byte("\xef\xbb\xbf")

// span is a half-open byte range [start, end) into the request body.
type span struct {
	start, end int64
}

// Batch holds the events found in one request body.
// It is consumed once, in document order, through Next.
type Batch struct {
	body  []byte
	spans []span
	pos   int
	err   error
}

// Split checks that body is a single well-formed XML document and records the
// exact byte range of every direct child of the root whose local name is
// "event". Nothing is yielded for a malformed document. Only UTF-8 input is
// accepted; a leading byte-order mark is ignored.
func Split(body []byte) (*Batch, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = true

	var (
		spans    []span
		depth    int
		rootSeen bool
		start    int64
	)

	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				if rootSeen {
					return nil, fmt.Errorf("%w: multiple root elements", ErrMalformedBatch)
				}
				rootSeen = true
			}
			if depth == 1 && t.Name.Local == "event" {
				start = offset
			}
			depth++
		case xml.EndElement:
			depth--
			if depth == 1 && t.Name.Local == "event" {
				spans = append(spans, span{start: start, end: dec.InputOffset()})
			}
		case xml.CharData:
			if !rootSeen && offset == 0 {
				t = bytes.TrimPrefix(t, byteOrderMark)
			}
			if depth == 0 && len(bytes.TrimSpace(t)) > 0 {
				return nil, fmt.Errorf("%w: character data outside root element", ErrMalformedBatch)
			}
		}
	}

	if !rootSeen {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedBatch)
	}

	return &Batch{body: body, spans: spans}, nil
}

// Len reports the number of events in the batch, consumed or not.
func (b *Batch) Len() int {
	return len(b.spans)
}

// Next returns the next event substring. It returns false once the batch is
// exhausted or a span could not be turned into a string; check Err afterwards.
func (b *Batch) Next() (string, bool) {
	if b.err != nil || b.pos >= len(b.spans) {
		return "", false
	}
	s := b.spans[b.pos]
	b.pos++

	raw := b.body[s.start:s.end]
	if !utf8.Valid(raw) {
		b.err = fmt.Errorf("%w: event %d is not valid UTF-8", ErrSerialization, b.pos)
		return "", false
	}
	return string(raw), true
}

// Err returns the error that stopped iteration, if any.
func (b *Batch) Err() error {
	return b.err
}
