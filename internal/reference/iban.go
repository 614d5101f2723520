package reference

import (
	"strconv"
)

const (
	qrIIDMin = 30000
	qrIIDMax = 31999
)

// ValidIBAN checks the ISO 13616 structure and mod-97 check digits of iban.
func ValidIBAN(iban string) bool {
	s := Normalize(iban)
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	if s[0] < 'A' || s[0] > 'Z' || s[1] < 'A' || s[1] > 'Z' || !isDigits(s[2:4]) || !isAlnum(s[4:]) {
		return false
	}
	return mod97(alphaToDigits(s[4:]+s[:4])) == 1
}

// IsQRIBAN reports whether iban is a valid Swiss or Liechtenstein IBAN whose
// institution id lies in the range reserved for QR-IBANs.
func IsQRIBAN(iban string) bool {
	s := Normalize(iban)
	if !ValidIBAN(s) {
		return false
	}
	if s[:2] != "CH" && s[:2] != "LI" {
		return false
	}
	iid, err := strconv.Atoi(s[4:9])
	if err != nil {
		return false
	}
	return iid >= qrIIDMin && iid <= qrIIDMax
}
