package location

import "testing"

func TestRoundTripCanonical(t *testing.T) {
	cases := []string{
		"0000000000000000000000000000000000000000000000000000000000000001_o1",
		"0000000000000000000000000000000000000000000000000000000000000001_d3",
		"_o1",
		"_d2",
		"record://abc123_o0",
		"native://Jig",
		"native://Berry",
		"error://Undeployed",
		"error://some free text message",
	}
	for _, c := range cases {
		loc, err := Parse(c)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c, err)
		}
		got, err := Compile(loc)
		if err != nil {
			t.Fatalf("Compile(%q): %v", c, err)
		}
		if got != c {
			t.Errorf("round trip: got %q want %q", got, c)
		}
	}
}

func TestRoundTripBerry(t *testing.T) {
	base := "0000000000000000000000000000000000000000000000000000000000000001_o1"
	hash := "00000000000000000000000000000000000000000000000000000000000002ab"[:64]
	loc := &Location{
		Dialect: DialectBerry,
		Inner:   &Location{Dialect: DialectJig, TxID: base[:64], Index: 1},
		URI:     "some uri/with spaces & stuff",
		Hash:    hash,
		Version: 1,
	}
	s, err := Compile(loc)
	if err != nil {
		t.Fatal(err)
	}
	reparsed, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	if reparsed.URI != loc.URI {
		t.Errorf("URI = %q want %q", reparsed.URI, loc.URI)
	}
	if reparsed.Hash != loc.Hash {
		t.Errorf("Hash = %q want %q", reparsed.Hash, loc.Hash)
	}
	recompiled, err := Compile(reparsed)
	if err != nil {
		t.Fatal(err)
	}
	if recompiled != s {
		t.Errorf("second compile = %q want %q", recompiled, s)
	}
}

func TestUndeployedSentinel(t *testing.T) {
	u := Undeployed()
	if !IsUndeployed(u) {
		t.Error("Undeployed() should report IsUndeployed")
	}
	other := &Location{Dialect: DialectError, Message: "Undeployed "}
	if IsUndeployed(other) {
		t.Error("near-miss message should not count as Undeployed")
	}
	arbitrary := &Location{Dialect: DialectError, Message: "boom"}
	if IsUndeployed(arbitrary) {
		t.Error("arbitrary error message should not count as Undeployed")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"not-a-location",
		"ABCDEF_o1", // too short to be a txid
		"deadbeef_x1",
	}
	for _, b := range bad {
		if _, err := Parse(b); err == nil {
			t.Errorf("Parse(%q) should have failed", b)
		}
	}
}

func TestHexIsLowerCase(t *testing.T) {
	loc, err := Parse("0000000000000000000000000000000000000000000000000000000000000ABC_o1")
	if err != nil {
		t.Fatal(err)
	}
	if loc.TxID != "0000000000000000000000000000000000000000000000000000000000000abc" {
		t.Errorf("TxID not lower-cased: %s", loc.TxID)
	}
}
