package money

import (
	"errors"
	"math"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"100", 100_000000},
		{"100.5", 100_500000},
		{"0.000001", 1},
		{" 95 ", 95_000000},
		{"0", 0},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	if _, err := Parse("0.0000001"); !errors.Is(err, ErrPrecision) {
		t.Errorf("expected ErrPrecision, got %v", err)
	}
	if _, err := Parse("99999999999999999999"); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	if _, err := Parse("abc"); err == nil {
		t.Error("expected parse error for abc")
	}
	if _, err := Parse(""); err == nil {
		t.Error("expected error for empty amount")
	}
}

func TestFormat(t *testing.T) {
	if got := Format(100_500000); got != "100.5" {
		t.Errorf("Format = %q, want 100.5", got)
	}
	if got := Format(1); got != "0.000001" {
		t.Errorf("Format = %q, want 0.000001", got)
	}
	if got := Format(0); got != "0" {
		t.Errorf("Format = %q, want 0", got)
	}
}

func TestAdd_Overflow(t *testing.T) {
	if _, err := Add(math.MaxInt64, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected overflow on Add, got %v", err)
	}
	if _, err := Add(math.MinInt64, -1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected underflow on Add, got %v", err)
	}
	if v, err := Add(2, 3); err != nil || v != 5 {
		t.Errorf("Add(2,3) = %d, %v", v, err)
	}
}
