package wire_test

import (
	"testing"

	"github.com/crimsonvista/playground/internal/wire"
)

func TestStreamDecoderChunking(t *testing.T) {
	t.Parallel()

	packets := []*wire.Packet{
		wire.NewAnnounceLink("1.1.1.1"),
		wire.NewWirePacket("1.1.1.1", "2.2.2.2", 5000, 100, []byte("hello")),
		wire.NewAnnounceLink("3.3.3.3"),
	}

	var all []byte

	for _, p := range packets {
		b, err := wire.EncodePacket(p)
		if err != nil {
			t.Fatalf("EncodePacket: %v", err)
		}

		all = append(all, b...)
	}

	// Feed arbitrary one-byte-at-a-time chunks; the decoder must still
	// reproduce the original sequence ("chunking ... into
	// arbitrary substrings ... yields the original sequence").
	dec := wire.NewStreamDecoder(wire.Default(), nil)

	var got []*wire.Packet

	for _, b := range all {
		dec.Feed([]byte{b})

		for {
			p, ok, err := dec.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}

			if !ok {
				break
			}

			got = append(got, p)
		}
	}

	if len(got) != len(packets) {
		t.Fatalf("got %d packets, want %d", len(got), len(packets))
	}

	for i, p := range got {
		if p.Identifier() != packets[i].Identifier() {
			t.Errorf("packet %d identifier = %s, want %s", i, p.Identifier(), packets[i].Identifier())
		}
	}

	a0, _ := got[0].Address()
	if a0 != "1.1.1.1" {
		t.Errorf("packet 0 address = %q", a0)
	}

	a2, _ := got[2].Address()
	if a2 != "3.3.3.3" {
		t.Errorf("packet 2 address = %q", a2)
	}
}

func TestStreamDecoderWaitsForMoreBytes(t *testing.T) {
	t.Parallel()

	encoded, err := wire.EncodePacket(wire.NewAnnounceLink("1.1.1.1"))
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	dec := wire.NewStreamDecoder(wire.Default(), nil)
	dec.Feed(encoded[:len(encoded)-1])

	if _, ok, err := dec.Next(); ok || err != nil {
		t.Fatalf("expected waiting, got ok=%v err=%v", ok, err)
	}

	dec.Feed(encoded[len(encoded)-1:])

	p, ok, err := dec.Next()
	if err != nil || !ok {
		t.Fatalf("expected a completed packet, got ok=%v err=%v", ok, err)
	}

	addr, _ := p.Address()
	if addr != "1.1.1.1" {
		t.Errorf("Address() = %q", addr)
	}
}

func TestStreamDecoderResyncsAfterGarbage(t *testing.T) {
	t.Parallel()

	good, err := wire.EncodePacket(wire.NewAnnounceLink("9.9.9.9"))
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	garbage := []byte{0xFF, 0xFE, 0xFD, 0xFC, 0xFB}

	dec := wire.NewStreamDecoder(wire.Default(), nil)
	dec.Feed(garbage)
	dec.Feed(good)

	var got *wire.Packet

	for {
		p, ok, err := dec.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}

		if !ok {
			break
		}

		got = p
	}

	if got == nil {
		t.Fatal("expected to recover the well-formed packet after garbage")
	}

	addr, _ := got.Address()
	if addr != "9.9.9.9" {
		t.Errorf("Address() = %q", addr)
	}
}
