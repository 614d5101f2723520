// Package reference generates, validates and extracts structured payment
// references. Two schemes are supported: ISO 11649 creditor references
// ("RF" + two mod-97 check digits + up to 21 alphanumerics) and Swiss QR
// references (26 digits + one recursive mod-10 check digit).
package reference

import (
	"fmt"
	"strings"

	apperrors "github.com/Enucatl/send-bills/pkg/errors"
)

// Scheme identifies the check-digit algorithm of a reference.
type Scheme string

const (
	SchemeRF Scheme = "rf"
	SchemeQR Scheme = "qr"
)

const (
	rfMaxPayload   = 21
	rfMinLength    = 5
	rfMaxLength    = 25
	qrLength       = 27
	qrPayload      = qrLength - 1
	sequenceDigits = 10
)

// qrCarry is the carry table of the recursive mod-10 algorithm.
var qrCarry = [10]int{0, 9, 4, 6, 8, 2, 7, 1, 3, 5}

// Reference is an issued structured reference in electronic (ungrouped) form.
type Reference struct {
	Value  string `json:"value"`
	Scheme Scheme `json:"scheme"`
}

func (r Reference) String() string {
	return r.Value
}

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool {
	return r.Value == ""
}

// Namespace is the part of a creditor that determines its references. It is
// snapshotted at bill creation so later creditor edits never change an
// issued reference.
type Namespace struct {
	// Prefix is embedded before the sequence number. QR namespaces accept
	// digits only.
	Prefix string
	// QR selects the QR-reference scheme; creditors with a QR-IBAN must use it.
	QR bool
}

// Scheme returns the scheme references in this namespace use.
func (n Namespace) Scheme() Scheme {
	if n.QR {
		return SchemeQR
	}
	return SchemeRF
}

// Generate builds the reference for the given per-creditor sequence number.
// Distinct sequence numbers always yield distinct references.
func Generate(ns Namespace, sequence uint64) (Reference, error) {
	if sequence == 0 {
		return Reference{}, apperrors.InvalidArgument("sequence", "must be positive")
	}
	prefix := strings.ToUpper(strings.TrimSpace(ns.Prefix))

	if ns.QR {
		if !isDigits(prefix) && prefix != "" {
			return Reference{}, apperrors.InvalidArgument("prefix", "QR references accept a numeric prefix only")
		}
		width := qrPayload - len(prefix)
		seq := fmt.Sprintf("%0*d", width, sequence)
		if width <= 0 || len(seq) > width {
			return Reference{}, apperrors.InvalidArgument("sequence",
				fmt.Sprintf("%d does not fit a QR reference with prefix %q", sequence, prefix))
		}
		payload := prefix + seq
		return Reference{Value: payload + string(rune('0'+qrCheckDigit(payload))), Scheme: SchemeQR}, nil
	}

	if !isAlnum(prefix) && prefix != "" {
		return Reference{}, apperrors.InvalidArgument("prefix", "RF references accept letters and digits only")
	}
	payload := prefix + fmt.Sprintf("%0*d", sequenceDigits, sequence)
	if len(payload) > rfMaxPayload {
		return Reference{}, apperrors.InvalidArgument("sequence",
			fmt.Sprintf("payload %q exceeds %d characters", payload, rfMaxPayload))
	}
	return Reference{Value: fmt.Sprintf("RF%02d%s", rfCheckDigits(payload), payload), Scheme: SchemeRF}, nil
}

// Validate recomputes the check digits of candidate. Spaces are ignored and
// letters are case-insensitive. Malformed candidates yield false; only an
// empty candidate is an error.
func Validate(candidate string) (bool, error) {
	normalized := Normalize(candidate)
	if normalized == "" {
		return false, apperrors.InvalidArgument("reference", "")
	}
	_, ok := check(normalized)
	return ok, nil
}

// Parse validates candidate and returns it as a Reference.
func Parse(candidate string) (Reference, error) {
	normalized := Normalize(candidate)
	if normalized == "" {
		return Reference{}, apperrors.InvalidArgument("reference", "")
	}
	scheme, ok := check(normalized)
	if !ok {
		return Reference{}, apperrors.ValidationFailure(apperrors.CodeChecksumMismatch, "reference", candidate, nil)
	}
	return Reference{Value: normalized, Scheme: scheme}, nil
}

// Normalize strips whitespace and upper-cases s.
func Normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// Format renders a reference the way payment slips print it: RF references
// in blocks of four, QR references as 2 + 5x5 digits.
func Format(ref string) string {
	ref = Normalize(ref)
	var groups []string
	if shapeQR(ref) {
		groups = append(groups, ref[:2])
		for i := 2; i < len(ref); i += 5 {
			groups = append(groups, ref[i:i+5])
		}
		return strings.Join(groups, " ")
	}
	for i := 0; i < len(ref); i += 4 {
		end := min(i+4, len(ref))
		groups = append(groups, ref[i:end])
	}
	return strings.Join(groups, " ")
}

// check reports the scheme of a normalized reference and whether its check
// digits are correct.
func check(ref string) (Scheme, bool) {
	switch {
	case shapeRF(ref):
		return SchemeRF, mod97(alphaToDigits(ref[4:]+ref[:4])) == 1
	case shapeQR(ref):
		return SchemeQR, qrCheckDigit(ref[:qrPayload]) == int(ref[qrPayload]-'0')
	default:
		return "", false
	}
}

func shapeRF(s string) bool {
	if len(s) < rfMinLength || len(s) > rfMaxLength {
		return false
	}
	return s[:2] == "RF" && isDigits(s[2:4]) && isAlnum(s[4:])
}

func shapeQR(s string) bool {
	return len(s) == qrLength && isDigits(s)
}

func rfCheckDigits(payload string) int {
	return 98 - mod97(alphaToDigits(payload+"RF00"))
}

func qrCheckDigit(payload string) int {
	carry := 0
	for i := 0; i < len(payload); i++ {
		carry = qrCarry[(carry+int(payload[i]-'0'))%10]
	}
	return (10 - carry) % 10
}

// alphaToDigits maps A..Z to 10..35 as ISO 7064 requires.
func alphaToDigits(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			fmt.Fprintf(&b, "%d", int(c-'A')+10)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func mod97(digits string) int {
	r := 0
	for i := 0; i < len(digits); i++ {
		r = (r*10 + int(digits[i]-'0')) % 97
	}
	return r
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
