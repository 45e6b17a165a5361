package smtp

import (
	"errors"
	"strings"
	"testing"
)

func TestParseLocalpart(t *testing.T) {
	good := func(s string) {
		t.Helper()
		_, err := ParseLocalpart(s)
		if err != nil {
			t.Fatalf("unexpected error for localpart %q: %v", s, err)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseLocalpart(s)
		if err == nil {
			t.Fatalf("did not see expected error for localpart %q", s)
		}
		if !errors.Is(err, ErrBadLocalpart) {
			t.Fatalf("expected ErrBadLocalpart, got %v", err)
		}
	}

	good("user")
	good("a")
	good("a.b.c")
	good("rené")
	good(`""`)
	good(`"ok"`)
	good(`"a.bc"`)
	bad("")
	bad(`"`)          // Missing ending dquot.
	bad("\x00")       // Control not allowed.
	bad("\"\\")       // Ending with backslash.
	bad("\"\x01")     // Control not allowed in dquote.
	bad(`""leftover`) // Leftover data after close dquote.
	bad(strings.Repeat("x", 129))
}

func TestParseAddress(t *testing.T) {
	good := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("unexpected error for address %q: %v", s, err)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err == nil {
			t.Fatalf("did not see expected error for address %q", s)
		}
		if !errors.Is(err, ErrBadAddress) {
			t.Fatalf("expected ErrBadAddress, got %v", err)
		}
	}

	good("user@inlet.example")
	good("a.b.c@inlet.example")
	bad("user@@inlet.example")
	bad("user")                    // Missing @domain.
	bad("@inlet.example")          // Missing localpart.
	bad(`"@inlet.example`)         // Missing ending dquot or domain.
	bad("\x00@inlet.example")      // Control not allowed.
	bad("\"\\@inlet.example")      // Missing @domain.
	bad("\"\x01@inlet.example")    // Control not allowed in dquote.
	bad(`""leftover@inlet.example`) // Leftover data after close dquot.
}

func TestPackLocalpart(t *testing.T) {
	var l = []struct {
		input, expect string
	}{
		{``, `""`},     // No atom.
		{`a.`, `"a."`}, // Empty atom not allowed.
		{`a.b`, `a.b`}, // Fine.
		{"azAZ09!#$%&'*+-/=?^_`{|}~", "azAZ09!#$%&'*+-/=?^_`{|}~"}, // All ascii that are fine as atom.
		{` `, `" "`},
		{`a"b`, `"a\"b"`},
		{`a\b`, `"a\\b"`},
		{"<>", `"<>"`},
	}

	for _, e := range l {
		r := Localpart(e.input).String()
		if r != e.expect {
			t.Fatalf("pack localpart %q, expect %q, got %q", e.input, e.expect, r)
		}
	}
}
