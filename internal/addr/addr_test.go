package addr_test

import (
	"testing"

	"github.com/crimsonvista/playground/internal/addr"
)

func TestParseAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", "20.174.5.1", false},
		{"zero", "0.0.0.0", false},
		{"wildcard rejected", "1.2.*.4", true},
		{"too few parts", "1.2.3", true},
		{"too many parts", "1.2.3.4.5", true},
		{"negative", "1.-2.3.4", true},
		{"empty component", "1..3.4", true},
		{"non numeric", "a.b.c.d", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a, err := addr.ParseAddress(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAddress(%q) = %v, want error", tt.in, a)
				}

				return
			}

			if err != nil {
				t.Fatalf("ParseAddress(%q) unexpected error: %v", tt.in, err)
			}

			if a.String() != tt.in {
				t.Errorf("String() = %q, want %q", a.String(), tt.in)
			}
		})
	}
}

func TestAddressComponents(t *testing.T) {
	t.Parallel()

	a := addr.MustParseAddress("20.174.5.1")

	if a.Zone() != 20 || a.Network() != 174 || a.Device() != 5 || a.Index() != 1 {
		t.Fatalf("unexpected components: %+v", a)
	}
}

func TestBlockIsParentOf(t *testing.T) {
	t.Parallel()

	root := addr.RootBlock()
	a := addr.MustParseAddress("1.2.3.4")

	if !root.IsParentOf(a) {
		t.Error("root block must be parent of every address")
	}

	exact := a.Block()
	if !exact.IsParentOf(a) {
		t.Error("exact block must be parent of its own address")
	}

	partial, err := addr.ParseBlock("1.2.*.*")
	if err != nil {
		t.Fatal(err)
	}

	if !partial.IsParentOf(a) {
		t.Error("1.2.*.* should be a parent of 1.2.3.4")
	}

	other, err := addr.ParseBlock("1.9.*.*")
	if err != nil {
		t.Fatal(err)
	}

	if other.IsParentOf(a) {
		t.Error("1.9.*.* should not be a parent of 1.2.3.4")
	}
}

func TestParentChain(t *testing.T) {
	t.Parallel()

	a := addr.MustParseAddress("1.2.3.4")
	chain := addr.ParentChain(a)

	want := []string{"1.2.3.4", "1.2.3.*", "1.2.*.*", "1.*.*.*", "*.*.*.*"}
	if len(chain) != len(want) {
		t.Fatalf("chain length = %d, want %d (%v)", len(chain), len(want), chain)
	}

	for i, w := range want {
		if chain[i].String() != w {
			t.Errorf("chain[%d] = %q, want %q", i, chain[i].String(), w)
		}
	}

	if !chain[len(chain)-1].IsRoot() {
		t.Error("final chain element must be the root block")
	}
}

func TestPortKeyInverse(t *testing.T) {
	t.Parallel()

	k := addr.NewPortKey(addr.MustParseAddress("1.1.1.1"), 5000, addr.MustParseAddress("2.2.2.2"), 100)
	inv := k.Inverse()

	if inv.Source != "2.2.2.2" || inv.SourcePort != 100 || inv.Destination != "1.1.1.1" || inv.DestinationPort != 5000 {
		t.Fatalf("unexpected inverse: %+v", inv)
	}

	if inv.Inverse() != k {
		t.Error("double inverse must equal original")
	}
}

func TestPortKeySourceDestinationOnly(t *testing.T) {
	t.Parallel()

	k := addr.NewPortKey(addr.MustParseAddress("1.1.1.1"), 5000, addr.MustParseAddress("2.2.2.2"), 100)

	so := k.SourceOnly()
	if so.Source != k.Source || so.SourcePort != k.SourcePort || so.Destination != "" || so.DestinationPort != 0 {
		t.Errorf("SourceOnly() = %+v", so)
	}

	do := k.DestinationOnly()
	if do.Destination != k.Destination || do.DestinationPort != k.DestinationPort || do.Source != "" || do.SourcePort != 0 {
		t.Errorf("DestinationOnly() = %+v", do)
	}
}
