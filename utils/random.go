package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// TicketIDPrefix starts every ticket id; the rest is 12 uppercase hex characters.
const TicketIDPrefix = "TKT-"

func GenerateCode(n int) (string, error) {
	byt := make([]byte, n)

	if _, err := rand.Read(byt); err != nil {
		return "", err
	}

	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// NewTicketID returns an id in the same alphabet gate staff type during manual entry.
func NewTicketID() (string, error) {
	code, err := GenerateCode(6)
	if err != nil {
		return "", err
	}
	return TicketIDPrefix + code, nil
}

// NormalizeTicketID trims and upper-cases a hand-typed ticket id.
func NormalizeTicketID(input string) string {
	return strings.ToUpper(strings.TrimSpace(input))
}

// IsTicketIDInput reports whether a typed string is a bare ticket
// id rather than a signed envelope. Envelopes are always longer than 64
// characters.
func IsTicketIDInput(s string) bool {
	if len(s) < 3 || len(s) > 64 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '-') {
			return false
		}
	}
	return true
}
