package memsize

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Size
	}{
		{"0", 0},
		{"0B", 0},
		{"100", 100},
		{"123B", 123},
		{"1K", 1024},
		{"42kb", 42 * 1024},
		{"1024m", 1024 * M},
		{"2Gb", 2 * G},
		{"4G", 4 * G},
		{"987654321", 987654321},
		{"1T", T},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Errorf("Parse(%q) error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "B", "G", "abc", "1.5G", "-1G", "12XB", "G1"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
		}
	}
}

func TestString_RoundTrip(t *testing.T) {
	for _, s := range []Size{0, 100, 123, K, 42 * K, M, 1024 * M, 2 * G, 5 * G, 987654321, T} {
		back, err := Parse(s.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", s.String(), err)
		}
		if back != s {
			t.Errorf("round trip %d → %q → %d", s, s.String(), back)
		}
	}
}

func TestString_Units(t *testing.T) {
	cases := []struct {
		in   Size
		want string
	}{
		{0, "0B"},
		{512, "512B"},
		{K, "1K"},
		{5 * G, "5G"},
		{1536 * M, "1536M"},
	}
	for _, c := range cases {
		if got := c.in.String(); got != c.want {
			t.Errorf("Size(%d).String() = %q, want %q", c.in, got, c.want)
		}
	}
}
