package syncer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"murmur-chat/client-core/internal/conn"
	"murmur-chat/client-core/pkg/models"
)

var (
	ErrMalformedStream = errors.New("malformed contact stream")
	ErrTruncatedStream = errors.New("contact stream ended mid-record")
)

// maxRecordSize bounds a single contact record; anything larger is a corrupt
// length prefix, not a real contact.
const maxRecordSize = 64 * 1024

// StreamParser decodes a contact stream incrementally: uvarint length prefix,
// then one CBOR contact record, repeated. Chunk boundaries carry no meaning;
// a record may straddle any number of Feed calls.
type StreamParser struct {
	buf      []byte
	contacts []models.Contact
}

// Feed consumes one chunk. Complete records are decoded immediately; a
// trailing partial record waits for the next chunk. Any decode error poisons
// the whole stream.
func (p *StreamParser) Feed(chunk []byte) error {
	p.buf = append(p.buf, chunk...)
	for {
		length, n := binary.Uvarint(p.buf)
		if n == 0 {
			return nil
		}
		if n < 0 || length > maxRecordSize {
			return fmt.Errorf("%w: bad record length", ErrMalformedStream)
		}
		end := n + int(length)
		if len(p.buf) < end {
			return nil
		}
		var c models.Contact
		if err := conn.DecodeBody(p.buf[n:end], &c); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedStream, err)
		}
		if c.AccountID == "" {
			return fmt.Errorf("%w: contact without account id", ErrMalformedStream)
		}
		p.contacts = append(p.contacts, c)
		p.buf = p.buf[end:]
	}
}

// Finish returns the decoded contacts. Leftover bytes mean the final chunk
// cut a record short, which fails the whole stream.
func (p *StreamParser) Finish() ([]models.Contact, error) {
	if len(p.buf) != 0 {
		return nil, ErrTruncatedStream
	}
	return p.contacts, nil
}

// EncodeContactStream serializes contacts into the length-prefixed stream
// form the parser reads.
func EncodeContactStream(contacts []models.Contact) ([]byte, error) {
	var out []byte
	var prefix [binary.MaxVarintLen64]byte
	for _, c := range contacts {
		record, err := conn.EncodeBody(c)
		if err != nil {
			return nil, err
		}
		n := binary.PutUvarint(prefix[:], uint64(len(record)))
		out = append(out, prefix[:n]...)
		out = append(out, record...)
	}
	return out, nil
}

// chunkStream splits a stream into transport-sized pieces. Boundaries fall
// anywhere; the parser reassembles.
func chunkStream(stream []byte, size int) [][]byte {
	if size <= 0 {
		size = 32 * 1024
	}
	if len(stream) == 0 {
		return [][]byte{nil}
	}
	var chunks [][]byte
	for len(stream) > 0 {
		n := size
		if n > len(stream) {
			n = len(stream)
		}
		chunks = append(chunks, stream[:n])
		stream = stream[n:]
	}
	return chunks
}
