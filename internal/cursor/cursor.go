// Package cursor compares provider history ids. They are decimal strings
// that may exceed 64 bits, so they are compared as big integers.
package cursor

import (
	"math/big"
	"strings"

	"github.com/rotisserie/eris"
)

var ErrInvalid = eris.New("invalid cursor")

// Parse returns the integer value of c. The empty cursor is zero: an account
// that has never synced is behind every notification.
func Parse(c string) (*big.Int, error) {
	c = strings.TrimSpace(c)
	if c == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(c, 10)
	if !ok || v.Sign() < 0 {
		return nil, eris.Wrapf(ErrInvalid, "%q", c)
	}
	return v, nil
}

// Normalize returns the canonical decimal form of c (no sign, no leading
// zeros). Stored cursors are always canonical so they can be ordered by
// (length, text) inside SQL.
func Normalize(c string) (string, error) {
	if strings.TrimSpace(c) == "" {
		return "", nil
	}
	v, err := Parse(c)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// Compare returns -1, 0 or +1 as a is less than, equal to, or greater than b.
func Compare(a, b string) (int, error) {
	x, err := Parse(a)
	if err != nil {
		return 0, err
	}
	y, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}

// After reports whether a is strictly greater than b.
func After(a, b string) (bool, error) {
	c, err := Compare(a, b)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// Max returns the greater of a and b in canonical form.
func Max(a, b string) (string, error) {
	c, err := Compare(a, b)
	if err != nil {
		return "", err
	}
	if c >= 0 {
		return Normalize(a)
	}
	return Normalize(b)
}
