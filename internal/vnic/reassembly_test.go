package vnic

import (
	"bytes"
	"testing"
	"time"

	"github.com/crimsonvista/playground/internal/addr"
	"github.com/crimsonvista/playground/internal/wire"
)

func TestReassemblerCompletesInOrder(t *testing.T) {
	t.Parallel()

	r := NewReassembler()
	key := addr.PortKey{Source: "1.1.1.1", SourcePort: 1, Destination: "2.2.2.2", DestinationPort: 2}

	part1 := []byte("hello ")
	part2 := []byte("world!")
	total := uint64(len(part1) + len(part2))

	if _, done := r.Feed(key, wire.WireFragData{FragID: 1, TotalSize: total, Offset: 0}, part1); done {
		t.Fatal("reassembly completed after only the first fragment")
	}

	complete, done := r.Feed(key, wire.WireFragData{FragID: 1, TotalSize: total, Offset: uint64(len(part1))}, part2)
	if !done {
		t.Fatal("reassembly did not complete after the final fragment")
	}

	if !bytes.Equal(complete, []byte("hello world!")) {
		t.Errorf("reassembled = %q, want %q", complete, "hello world!")
	}

	if r.Pending() != 0 {
		t.Error("completed reassembly should be removed from the pending set")
	}
}

func TestReassemblerCompletesOutOfOrder(t *testing.T) {
	t.Parallel()

	r := NewReassembler()
	key := addr.PortKey{Source: "1.1.1.1", SourcePort: 1, Destination: "2.2.2.2", DestinationPort: 2}

	part1 := []byte("AAAA")
	part2 := []byte("BBBB")
	total := uint64(len(part1) + len(part2))

	// Second fragment arrives first.
	if _, done := r.Feed(key, wire.WireFragData{FragID: 5, TotalSize: total, Offset: uint64(len(part1))}, part2); done {
		t.Fatal("reassembly completed too early")
	}

	complete, done := r.Feed(key, wire.WireFragData{FragID: 5, TotalSize: total, Offset: 0}, part1)
	if !done {
		t.Fatal("reassembly did not complete")
	}

	if !bytes.Equal(complete, []byte("AAAABBBB")) {
		t.Errorf("reassembled = %q, want AAAABBBB", complete)
	}
}

func TestReassemblerIgnoresDuplicateFragment(t *testing.T) {
	t.Parallel()

	r := NewReassembler()
	key := addr.PortKey{Source: "1.1.1.1", SourcePort: 1, Destination: "2.2.2.2", DestinationPort: 2}

	part1 := []byte("hello ")
	part2 := []byte("world!")
	total := uint64(len(part1) + len(part2))

	if _, done := r.Feed(key, wire.WireFragData{FragID: 9, TotalSize: total, Offset: 0}, part1); done {
		t.Fatal("reassembly completed after only the first fragment")
	}

	// A duplicate of the first fragment must not inflate the received
	// count; without dedup this would trip completion one fragment early.
	if _, done := r.Feed(key, wire.WireFragData{FragID: 9, TotalSize: total, Offset: 0}, part1); done {
		t.Fatal("reassembly completed on a duplicate fragment alone")
	}

	complete, done := r.Feed(key, wire.WireFragData{FragID: 9, TotalSize: total, Offset: uint64(len(part1))}, part2)
	if !done {
		t.Fatal("reassembly did not complete after the final fragment")
	}

	if !bytes.Equal(complete, []byte("hello world!")) {
		t.Errorf("reassembled = %q, want %q", complete, "hello world!")
	}
}

func TestReassemblerDistinctConnectionsDoNotCollideOnFragID(t *testing.T) {
	t.Parallel()

	r := NewReassembler()
	keyA := addr.PortKey{Source: "1.1.1.1", SourcePort: 1, Destination: "2.2.2.2", DestinationPort: 2}
	keyB := addr.PortKey{Source: "3.3.3.3", SourcePort: 3, Destination: "4.4.4.4", DestinationPort: 4}

	r.Feed(keyA, wire.WireFragData{FragID: 1, TotalSize: 8, Offset: 0}, []byte("AAAA"))
	r.Feed(keyB, wire.WireFragData{FragID: 1, TotalSize: 8, Offset: 0}, []byte("ZZZZ"))

	if r.Pending() != 2 {
		t.Fatalf("expected 2 independent in-flight reassemblies sharing fragId, got %d", r.Pending())
	}

	completeA, doneA := r.Feed(keyA, wire.WireFragData{FragID: 1, TotalSize: 8, Offset: 4}, []byte("BBBB"))
	if !doneA || string(completeA) != "AAAABBBB" {
		t.Errorf("connection A reassembled = %q, done=%v", completeA, doneA)
	}

	if r.Pending() != 1 {
		t.Fatalf("expected connection B's reassembly to remain pending, got %d pending", r.Pending())
	}
}

func TestReassemblerReapsIncompleteAfterInactivity(t *testing.T) {
	t.Parallel()

	r := NewReassemblerWithReap(20 * time.Millisecond)
	key := addr.PortKey{Source: "1.1.1.1", SourcePort: 1, Destination: "2.2.2.2", DestinationPort: 2}

	r.Feed(key, wire.WireFragData{FragID: 1, TotalSize: 8, Offset: 0}, []byte("AAAA"))

	if r.Pending() != 1 {
		t.Fatal("expected one in-flight reassembly")
	}

	time.Sleep(80 * time.Millisecond)

	if r.Pending() != 0 {
		t.Error("incomplete reassembly should have been reaped after inactivity")
	}
}

func TestReassemblerRejectsFragmentBeyondTotalSize(t *testing.T) {
	t.Parallel()

	r := NewReassembler()
	key := addr.PortKey{Source: "1.1.1.1", SourcePort: 1, Destination: "2.2.2.2", DestinationPort: 2}

	_, done := r.Feed(key, wire.WireFragData{FragID: 1, TotalSize: 4, Offset: 2}, []byte("ABCDE"))
	if done {
		t.Error("an oversized fragment must never report completion")
	}

	if r.Pending() != 0 {
		t.Error("an oversized fragment should drop the reassembly rather than leave it pending")
	}
}
