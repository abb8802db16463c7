package money

import (
	"errors"
	"testing"
)

func TestParseMinor(t *testing.T) {
	cases := []struct {
		input string
		want  int64
	}{
		{"5", 500},
		{"5.5", 550},
		{"5.50", 550},
		{"-5.50", -550},
		{"0.01", 1},
		{" 12.34 ", 1234},
	}
	for _, tc := range cases {
		got, err := ParseMinor(tc.input)
		if err != nil {
			t.Fatalf("ParseMinor(%q): %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMinor(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func TestParseMinorErrors(t *testing.T) {
	if _, err := ParseMinor("5.123"); !errors.Is(err, ErrTooManyDecimals) {
		t.Fatalf("expected ErrTooManyDecimals, got %v", err)
	}
	for _, input := range []string{"", "abc", "1,50"} {
		if _, err := ParseMinor(input); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ParseMinor(%q): expected ErrInvalidAmount, got %v", input, err)
		}
	}
}

func TestFormatMinor(t *testing.T) {
	cases := []struct {
		value int64
		want  string
	}{
		{500, "5.00"},
		{550, "5.50"},
		{-550, "-5.50"},
		{1, "0.01"},
		{0, "0.00"},
	}
	for _, tc := range cases {
		if got := FormatMinor(tc.value); got != tc.want {
			t.Fatalf("FormatMinor(%d) = %q, want %q", tc.value, got, tc.want)
		}
	}
}
