// Package symbol handles security symbol normalization and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLength is the longest symbol accepted by the ledger schema.
const MaxLength = 32

// symbolRegex matches tickers such as AAPL, BRK.B, BTC-USD, RDS/A.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-/_]*$`)

var (
	ErrEmpty   = errors.New("symbol: symbol is required")
	ErrTooLong = errors.New("symbol: symbol too long")
	ErrInvalid = errors.New("symbol: invalid symbol format")
)

// Normalize trims and uppercases s.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Parse normalizes s and validates the result.
func Parse(s string) (string, error) {
	sym := Normalize(s)
	if sym == "" {
		return "", ErrEmpty
	}
	if len(sym) > MaxLength {
		return "", fmt.Errorf("%w: %d characters (max %d)", ErrTooLong, len(sym), MaxLength)
	}
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %s", ErrInvalid, sym)
	}
	return sym, nil
}
