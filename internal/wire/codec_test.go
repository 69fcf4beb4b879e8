package wire_test

import (
	"bytes"
	"testing"

	"github.com/crimsonvista/playground/internal/wire"
)

func TestAnnounceLinkRoundTrip(t *testing.T) {
	t.Parallel()

	p := wire.NewAnnounceLink("1.2.3.4")

	encoded, err := wire.EncodePacket(p)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	decoded, consumed, err := wire.DecodePacket(encoded, wire.Default())
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}

	if consumed != len(encoded) {
		t.Fatalf("consumed %d, want %d", consumed, len(encoded))
	}

	addr, err := decoded.Address()
	if err != nil {
		t.Fatalf("Address: %v", err)
	}

	if addr != "1.2.3.4" {
		t.Errorf("Address() = %q, want %q", addr, "1.2.3.4")
	}
}

func TestWirePacketRoundTripWithFragData(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0xAB}, 100)
	p := wire.NewWirePacket("1.1.1.1", "2.2.2.2", 5000, 100, data).
		WithFragData(wire.WireFragData{FragID: 42, TotalSize: 204800, Offset: 65536})

	encoded, err := wire.EncodePacket(p)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	decoded, _, err := wire.DecodePacket(encoded, wire.Default())
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}

	src, _ := decoded.Source()
	dst, _ := decoded.Destination()
	sp, _ := decoded.SourcePort()
	dp, _ := decoded.DestinationPort()
	d, _ := decoded.Data()
	frag, err := decoded.FragData()

	if err != nil {
		t.Fatalf("FragData: %v", err)
	}

	if src != "1.1.1.1" || dst != "2.2.2.2" || sp != 5000 || dp != 100 || !bytes.Equal(d, data) {
		t.Fatalf("round trip mismatch: src=%s dst=%s sp=%d dp=%d data=%x", src, dst, sp, dp, d)
	}

	if frag == nil || frag.FragID != 42 || frag.TotalSize != 204800 || frag.Offset != 65536 {
		t.Fatalf("unexpected frag data: %+v", frag)
	}
}

func TestWirePacketWithoutFragDataOmitsField(t *testing.T) {
	t.Parallel()

	p := wire.NewWirePacket("1.1.1.1", "2.2.2.2", 5000, 100, []byte("hello"))

	encoded, err := wire.EncodePacket(p)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	decoded, _, err := wire.DecodePacket(encoded, wire.Default())
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}

	frag, err := decoded.FragData()
	if err != nil {
		t.Fatalf("FragData: %v", err)
	}

	if frag != nil {
		t.Fatalf("expected nil FragData, got %+v", frag)
	}
}

func TestVNICSocketOpenConnectVariant(t *testing.T) {
	t.Parallel()

	p := wire.NewVNICSocketOpen(7, "127.0.0.1", 9091).WithConnectData("2.2.2.2", 100)

	encoded, err := wire.EncodePacket(p)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	decoded, _, err := wire.DecodePacket(encoded, wire.Default())
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}

	cid, _ := decoded.ConnectionID()
	dest, dp, ok, err := decoded.ConnectTarget()

	if err != nil {
		t.Fatalf("ConnectTarget: %v", err)
	}

	if cid != 7 || !ok || dest != "2.2.2.2" || dp != 100 {
		t.Fatalf("unexpected decode: cid=%d dest=%s dp=%d ok=%v", cid, dest, dp, ok)
	}

	if _, ok, err := decoded.ListenSourcePort(); err != nil || ok {
		t.Fatalf("ListenSourcePort should be absent, got ok=%v err=%v", ok, err)
	}
}

func TestSPMPPacketRoundTrip(t *testing.T) {
	t.Parallel()

	p := wire.NewSPMPRequest(3, "routes", []string{"20", "30"})

	encoded, err := wire.EncodePacket(p)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	decoded, _, err := wire.DecodePacket(encoded, wire.Default())
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}

	id, _ := decoded.RequestID()
	req, _ := decoded.Request()
	args, err := decoded.Args()

	if err != nil {
		t.Fatalf("Args: %v", err)
	}

	if id != 3 || req != "routes" || len(args) != 2 || args[0] != "20" || args[1] != "30" {
		t.Fatalf("unexpected decode: id=%d req=%s args=%v", id, req, args)
	}
}

func TestEncodeMissingRequiredFieldFails(t *testing.T) {
	t.Parallel()

	p := wire.NewPacket(wire.AnnounceLinkDef)

	if _, err := wire.EncodePacket(p); err == nil {
		t.Fatal("expected error encoding packet with unset required field")
	}
}

func TestDecodeUnknownFieldTagIsMalformed(t *testing.T) {
	t.Parallel()

	p := wire.NewAnnounceLink("1.2.3.4")

	encoded, err := wire.EncodePacket(p)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	// Corrupt the tag of the single field (byte offset: 1(idlen)+12(id)
	// +1(verlen)+3(ver)+2(count) = 19, then 2 bytes of tag).
	corrupted := append([]byte(nil), encoded...)
	tagOffset := 1 + len("AnnounceLink") + 1 + len("1.0") + 2
	corrupted[tagOffset] = 0xFF
	corrupted[tagOffset+1] = 0xFF

	if _, _, err := wire.DecodePacket(corrupted, wire.Default()); err == nil {
		t.Fatal("expected malformed-field error")
	}
}
