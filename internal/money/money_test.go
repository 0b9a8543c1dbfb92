package money

import (
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Amount
	}{
		{"one euro", "1.00", 100},
		{"fifty cents", "0.50", 50},
		{"hundred", "100", 10000},
		{"smallest unit", "0.01", 1},
		{"no frac", "1", 100},
		{"short frac", "1.5", 150},
		{"extra decimals truncated", "1.239", 123},
		{"large amount", "999999.99", 99999999},
		{"leading zeros in whole", "007.50", 750},
		{"empty", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"-1", "1.2.3", "abc", "1,50", "1e3"} {
		if _, ok := Parse(s); ok {
			t.Errorf("Parse(%q) should fail", s)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   Amount
		want string
	}{
		{0, "0.00"},
		{1, "0.01"},
		{100, "1.00"},
		{1250, "12.50"},
		{99999999, "999999.99"},
		{-150, "-1.50"},
	}
	for _, tt := range tests {
		if got := tt.in.Format(); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPercentOff_RoundsDown(t *testing.T) {
	// 10% of 9.99 is 0.999 -> 0.99
	if got := Amount(999).PercentOff(10); got != 99 {
		t.Errorf("PercentOff = %d, want 99", got)
	}
	if got := Amount(1000).PercentOff(10); got != 100 {
		t.Errorf("PercentOff = %d, want 100", got)
	}
	if got := Amount(1000).PercentOff(0); got != 0 {
		t.Errorf("PercentOff(0) = %d, want 0", got)
	}
}
