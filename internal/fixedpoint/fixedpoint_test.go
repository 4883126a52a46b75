package fixedpoint

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantOK  bool
	}{
		{"", "0", true},
		{"0", "0", true},
		{"1", "100000000", true},
		{"1.5", "150000000", true},
		{"0.00500000", "500000", true},
		{"1.00000001", "100000001", true},
		{"1.123456789", "112345678", true}, // truncated past 8 decimals
		{"-1", "", false},
		{"1.2.3", "", false},
		{"abc", "", false},
	}

	for _, tc := range tests {
		got, ok := Parse(tc.input)
		if ok != tc.wantOK {
			t.Errorf("Parse(%q) ok = %v, want %v", tc.input, ok, tc.wantOK)
			continue
		}
		if !ok {
			continue
		}
		want, _ := new(big.Int).SetString(tc.want, 10)
		if got.Cmp(want) != 0 {
			t.Errorf("Parse(%q) = %s, want %s", tc.input, got.String(), tc.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input *big.Int
		want  string
	}{
		{big.NewInt(0), "0.00000000"},
		{big.NewInt(1), "0.00000001"},
		{big.NewInt(100000000), "1.00000000"},
		{big.NewInt(150000000), "1.50000000"},
		{big.NewInt(500000), "0.00500000"},
	}

	for _, tc := range tests {
		got := Format(tc.input)
		if got != tc.want {
			t.Errorf("Format(%s) = %q, want %q", tc.input.String(), got, tc.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	inputs := []string{"0.00000000", "1.00000000", "0.00500000", "9999.99999999"}
	for _, in := range inputs {
		parsed, ok := Parse(in)
		if !ok {
			t.Fatalf("Parse(%q) failed", in)
		}
		out := Format(parsed)
		if out != in {
			t.Errorf("round trip %q -> %q, want %q", in, out, in)
		}
	}
}

func TestUniqueAmountDue(t *testing.T) {
	price, _ := Parse("0.00500000")
	qty := big.NewInt(3)
	base := new(big.Int).Mul(price, qty)

	id1 := new(big.Int).Add(base, big.NewInt(42))
	id2 := new(big.Int).Add(base, big.NewInt(43))

	if Format(id1) == Format(id2) {
		t.Error("distinct perturbations must format to distinct amounts")
	}
}
