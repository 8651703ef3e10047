package money

import "testing"

func TestParseFormatRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals int
	}{
		{"whole", "1000", 18},
		{"one unit", "1", 18},
		{"fractional", "1.5", 18},
		{"max fractional digits", "0.123456789012345678", 18},
		{"trailing zeros trimmed", "2.500000000000000000", 18},
		{"zero", "0", 18},
		{"no fraction", "42", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Parse(tt.input, tt.decimals)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			got := Format(b, tt.decimals)

			b2, err := Parse(got, tt.decimals)
			if err != nil {
				t.Fatalf("Parse(Format(...)) error: %v", err)
			}
			if b2.Cmp(b) != 0 {
				t.Errorf("round trip mismatch: %s -> %s -> %s", tt.input, got, b2.String())
			}
		})
	}
}

func TestParseRejectsNegative(t *testing.T) {
	if _, err := Parse("-1", 18); err != ErrNegative {
		t.Errorf("Parse(-1) error = %v, want ErrNegative", err)
	}
}

func TestParseRejectsTooManyFractionalDigits(t *testing.T) {
	if _, err := Parse("1.1234567890123456789", 18); err != ErrTooManyFractionalDigits {
		t.Errorf("Parse() error = %v, want ErrTooManyFractionalDigits", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "abc", "1.2.3", "1a"} {
		if _, err := Parse(s, 18); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestAddNeverFails(t *testing.T) {
	a, _ := Parse("1.5", 18)
	b, _ := Parse("2.5", 18)
	got := Add(a, b)
	want, _ := Parse("4", 18)
	if got.Cmp(want) != 0 {
		t.Errorf("Add() = %s, want %s", got, want)
	}
}

func TestSubNegativeFails(t *testing.T) {
	a, _ := Parse("1", 18)
	b, _ := Parse("2", 18)
	if _, err := Sub(a, b); err != ErrNegative {
		t.Errorf("Sub() error = %v, want ErrNegative", err)
	}
}

func TestSubExact(t *testing.T) {
	a, _ := Parse("5", 18)
	b, _ := Parse("2", 18)
	got, err := Sub(a, b)
	if err != nil {
		t.Fatalf("Sub() error: %v", err)
	}
	want, _ := Parse("3", 18)
	if got.Cmp(want) != 0 {
		t.Errorf("Sub() = %s, want %s", got, want)
	}
}

func TestMulByRatioFloorsPayout(t *testing.T) {
	stake, _ := Parse("500000000000000000", 0) // 5e17 base units
	r := RatioFromFloat(1.50, 2)               // {150, 100}

	payout, err := MulByRatio(stake, r)
	if err != nil {
		t.Fatalf("MulByRatio() error: %v", err)
	}
	want, _ := Parse("750000000000000000", 0)
	if payout.Cmp(want) != 0 {
		t.Errorf("MulByRatio() = %s, want %s", payout, want)
	}
}

func TestMulByRatioFloorsFractionalRemainder(t *testing.T) {
	stake := FromInt64(10)
	r := Ratio{Num: 3, Den: 2} // 1.5x -> 15 base units / 2 wouldn't apply here; use odd case

	// 10 * 3 / 2 = 15 exactly, pick a case that actually has a remainder.
	r = Ratio{Num: 1, Den: 3}
	payout, err := MulByRatio(stake, r)
	if err != nil {
		t.Fatalf("MulByRatio() error: %v", err)
	}
	if got, _ := payout.Int64(); got != 3 { // floor(10/3) == 3
		t.Errorf("MulByRatio() = %d, want 3", got)
	}
}

func TestRatioFromFloat(t *testing.T) {
	r := RatioFromFloat(2.00, 2)
	if r.Num != 200 || r.Den != 100 {
		t.Errorf("RatioFromFloat(2.00, 2) = %+v, want {200 100}", r)
	}
}

func TestZeroIsZero(t *testing.T) {
	if !Zero().IsZero() {
		t.Error("Zero() is not zero")
	}
	if FromInt64(0).IsZero() == false {
		t.Error("FromInt64(0) is not zero")
	}
}

func BenchmarkParse(b *testing.B) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Parse("123.456000000000000000", 18)
	}
}

func BenchmarkMulByRatio(b *testing.B) {
	stake := FromInt64(500_000_000)
	r := RatioFromFloat(3.14, 2)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MulByRatio(stake, r)
	}
}
