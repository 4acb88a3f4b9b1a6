package engine

import "testing"

func TestKeyFromDeterministicNonZero(t *testing.T) {
	a := KeyFrom("startpos")
	b := KeyFrom("startpos")
	if a != b {
		t.Errorf("key not deterministic: %#x != %#x", uint64(a), uint64(b))
	}
	if a == 0 {
		t.Error("key 0 is reserved for empty slots")
	}
	if KeyFrom("startpos moves e2e4") == a {
		t.Error("distinct positions share a key")
	}
}

func TestMoveUCIRoundTrip(t *testing.T) {
	cases := []string{"e2e4", "g8f6", "a7a8q", "h2h1n"}
	for _, uci := range cases {
		m := MoveFromUCI(uci)
		if m == MoveNone {
			t.Errorf("%q did not parse", uci)
			continue
		}
		if got := m.String(); got != uci {
			t.Errorf("round trip %q -> %q", uci, got)
		}
	}
}

func TestMoveFromUCIRejectsGarbage(t *testing.T) {
	for _, uci := range []string{"", "e2", "e2e9", "i2i4", "e7e8x", "e2e4e5"} {
		if m := MoveFromUCI(uci); m != MoveNone {
			t.Errorf("%q parsed to %v", uci, m)
		}
	}
}

func TestMoveNoneString(t *testing.T) {
	if s := MoveNone.String(); s != "0000" {
		t.Errorf("MoveNone = %q", s)
	}
}
