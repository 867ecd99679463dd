package cel

import (
	"encoding/base64"
	"encoding/pem"
	"strings"
)

// IsCardNumber reports whether s is a 13-19 digit number passing the Luhn
// check. Spaces and dashes between digit groups are ignored.
func IsCardNumber(s string) bool {
	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			digits = append(digits, c-'0')
		case c == ' ' || c == '-':
		default:
			return false
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i])
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// DecodedBase64Len returns the decoded size of s when s is standard or
// URL-safe base64 (padded or not), and -1 otherwise
func DecodedBase64Len(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return len(b)
		}
	}
	return -1
}

// IsPrivateKey reports whether s contains a PEM private key block
func IsPrivateKey(s string) bool {
	rest := []byte(s)
	for {
		block, next := pem.Decode(rest)
		if block == nil {
			return false
		}
		if strings.HasSuffix(block.Type, "PRIVATE KEY") {
			return true
		}
		rest = next
	}
}
