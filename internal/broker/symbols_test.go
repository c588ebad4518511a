package broker

import (
	"testing"
	"time"
)

func TestBuildOptionSymbol(t *testing.T) {
	exp := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		root    string
		optType OptionType
		strike  float64
		want    string
	}{
		{"SPXW call", "SPXW", OptionTypeCall, 5860, "SPXW260115C05860000"},
		{"SPXW put", "SPXW", OptionTypePut, 5860, "SPXW260115P05860000"},
		{"fractional strike", "SPXW", OptionTypeCall, 5862.5, "SPXW260115C05862500"},
		{"short root", "SPY", OptionTypePut, 450, "SPY260115P00450000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildOptionSymbol(tt.root, exp, tt.optType, tt.strike)
			if got != tt.want {
				t.Errorf("BuildOptionSymbol = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseOptionSymbol(t *testing.T) {
	parsed, err := ParseOptionSymbol("SPXW260115C05860000")
	if err != nil {
		t.Fatalf("ParseOptionSymbol failed: %v", err)
	}

	if parsed.Underlying != "SPXW" {
		t.Errorf("Underlying = %s, want SPXW", parsed.Underlying)
	}
	if parsed.Type != OptionTypeCall {
		t.Errorf("Type = %s, want call", parsed.Type)
	}
	if parsed.Strike != 5860 {
		t.Errorf("Strike = %v, want 5860", parsed.Strike)
	}
	if !parsed.Expiration.Equal(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expiration = %v, want 2026-01-15", parsed.Expiration)
	}
}

func TestParseOptionSymbol_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"SPXW",
		"SPXW260115X05860000",  // bad type char
		"SPXW260115C0586000",   // 7 strike digits
		"SPXW260115C058600001", // 9 strike digits
	}

	for _, s := range invalid {
		if _, err := ParseOptionSymbol(s); err == nil {
			t.Errorf("ParseOptionSymbol(%q) should fail", s)
		}
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	exp := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	sym := BuildOptionSymbol("SPXW", exp, OptionTypePut, 5875)

	parsed, err := ParseOptionSymbol(sym)
	if err != nil {
		t.Fatalf("round trip parse failed: %v", err)
	}
	if parsed.Strike != 5875 || parsed.Type != OptionTypePut || parsed.Underlying != "SPXW" {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestOptionTypeFromSymbol(t *testing.T) {
	tests := []struct {
		symbol string
		want   OptionType
	}{
		{"SPXW260115C05860000", OptionTypeCall},
		{"SPXW260115P05860000", OptionTypePut},
		{"SPX", ""},
		{"SPXW260115X05860000", ""},
	}

	for _, tt := range tests {
		if got := OptionTypeFromSymbol(tt.symbol); got != tt.want {
			t.Errorf("OptionTypeFromSymbol(%s) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
}
