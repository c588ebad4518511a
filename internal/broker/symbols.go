package broker

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OptionType represents the type of option contract
type OptionType string

const (
	// OptionTypePut represents a put option contract
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract
	OptionTypeCall OptionType = "call"
)

// BuildOptionSymbol builds an OCC/OSI option symbol:
// ROOT + YYMMDD + P/C + 8-digit strike in thousandths.
// Example: SPXW + 2026-01-15 + call + 5860 -> SPXW260115C05860000
func BuildOptionSymbol(root string, expiration time.Time, optType OptionType, strike float64) string {
	// Round to nearest 1/1000th dollar for OCC encoding; eps handles
	// floating point drift on strikes like 394.995
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))

	typeChar := "C"
	if optType == OptionTypePut {
		typeChar = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", root, expiration.Format("060102"), typeChar, strikeInt)
}

// ParsedOption holds the components of an OCC/OSI option symbol.
type ParsedOption struct {
	Underlying string
	Expiration time.Time
	Type       OptionType
	Strike     float64
}

// ParseOptionSymbol decodes an OCC/OSI option symbol. The underlying root may
// be any length, so the expiration is located by scanning for the first
// six-digit run followed by P/C and exactly eight strike digits.
func ParseOptionSymbol(s string) (*ParsedOption, error) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 16 {
		return nil, fmt.Errorf("option symbol too short: %q", s)
	}

	for i := 0; i <= len(trimmed)-15; i++ {
		if !isSixDigits(trimmed[i : i+6]) {
			continue
		}
		// The six digits must not be part of a longer numeric run
		if i > 0 && isDigit(trimmed[i-1]) {
			continue
		}

		typeIdx := i + 6
		var optType OptionType
		switch trimmed[typeIdx] {
		case 'C', 'c':
			optType = OptionTypeCall
		case 'P', 'p':
			optType = OptionTypePut
		default:
			continue
		}

		strikeStart := typeIdx + 1
		strikeEnd := strikeStart + 8
		if strikeEnd != len(trimmed) || !isEightDigits(trimmed[strikeStart:strikeEnd]) {
			continue
		}

		exp, err := time.Parse("060102", trimmed[i:i+6])
		if err != nil {
			continue
		}
		strikeInt, err := strconv.Atoi(trimmed[strikeStart:strikeEnd])
		if err != nil {
			continue
		}

		return &ParsedOption{
			Underlying: trimmed[:i],
			Expiration: exp,
			Type:       optType,
			Strike:     float64(strikeInt) / 1000,
		}, nil
	}

	return nil, fmt.Errorf("not a valid OCC option symbol: %q", s)
}

// OptionTypeFromSymbol returns "put" | "call" | "" from OSI-like symbols,
// e.g. SPXW260115P05860000
func OptionTypeFromSymbol(s string) OptionType {
	if len(s) < 9 {
		return ""
	}
	// Walk backward over the 8 trailing strike digits
	i := len(s) - 1
	digits := 0
	for i >= 0 && digits < 8 {
		if !isDigit(s[i]) {
			return ""
		}
		i--
		digits++
	}
	if i < 0 {
		return ""
	}
	switch s[i] {
	case 'P', 'p':
		return OptionTypePut
	case 'C', 'c':
		return OptionTypeCall
	default:
		return ""
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isSixDigits(s string) bool {
	if len(s) != 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

func isEightDigits(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
