package syncer

import (
	"errors"
	"reflect"
	"testing"

	"murmur-chat/client-core/pkg/models"
)

func sampleContacts(n int) []models.Contact {
	out := make([]models.Contact, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Contact{
			AccountID:   "mur1contact" + string(rune('a'+i)),
			DisplayName: "Contact " + string(rune('A'+i)),
			ProfileKey:  []byte{byte(i), byte(i + 1)},
		})
	}
	return out
}

func TestParserChunkingEquivalence(t *testing.T) {
	contacts := sampleContacts(8)
	stream, err := EncodeContactStream(contacts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var whole StreamParser
	if err := whole.Feed(stream); err != nil {
		t.Fatalf("feed whole: %v", err)
	}
	got, err := whole.Finish()
	if err != nil {
		t.Fatalf("finish whole: %v", err)
	}
	if !reflect.DeepEqual(got, contacts) {
		t.Fatalf("whole-stream decode mismatch:\n got %+v\nwant %+v", got, contacts)
	}

	// Same bytes in three uneven chunks, one of which splits a record.
	var split StreamParser
	cut1, cut2 := 7, len(stream)-5
	for _, chunk := range [][]byte{stream[:cut1], stream[cut1:cut2], stream[cut2:]} {
		if err := split.Feed(chunk); err != nil {
			t.Fatalf("feed chunk: %v", err)
		}
	}
	got2, err := split.Finish()
	if err != nil {
		t.Fatalf("finish split: %v", err)
	}
	if !reflect.DeepEqual(got2, got) {
		t.Fatal("chunked decode differs from whole-stream decode")
	}
}

func TestParserTruncatedStream(t *testing.T) {
	stream, err := EncodeContactStream(sampleContacts(3))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var p StreamParser
	if err := p.Feed(stream[:len(stream)-4]); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if _, err := p.Finish(); !errors.Is(err, ErrTruncatedStream) {
		t.Fatalf("finish err = %v, want ErrTruncatedStream", err)
	}
}

func TestParserRejectsCorruptLength(t *testing.T) {
	var p StreamParser
	// Length prefix claiming a record far beyond the bound.
	err := p.Feed([]byte{0xff, 0xff, 0xff, 0xff, 0x7f})
	if !errors.Is(err, ErrMalformedStream) {
		t.Fatalf("err = %v, want ErrMalformedStream", err)
	}
}

func TestParserRejectsBadRecord(t *testing.T) {
	var p StreamParser
	// Valid prefix, garbage record bytes.
	err := p.Feed([]byte{0x03, 0xde, 0xad, 0xbe})
	if !errors.Is(err, ErrMalformedStream) {
		t.Fatalf("err = %v, want ErrMalformedStream", err)
	}
}

func TestChunkStreamCoversAllBytes(t *testing.T) {
	stream := make([]byte, 100)
	for i := range stream {
		stream[i] = byte(i)
	}
	chunks := chunkStream(stream, 33)
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	if !reflect.DeepEqual(joined, stream) {
		t.Fatal("rejoined chunks differ from stream")
	}

	empty := chunkStream(nil, 33)
	if len(empty) != 1 || len(empty[0]) != 0 {
		t.Fatalf("empty stream should yield one empty chunk, got %v", empty)
	}
}
