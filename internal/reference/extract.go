package reference

import (
	"sort"
	"strings"
)

// ExtractionStatus distinguishes the three results of scanning free text.
type ExtractionStatus int

const (
	NotFound ExtractionStatus = iota
	Found
	ChecksumFailed
)

func (s ExtractionStatus) String() string {
	switch s {
	case Found:
		return "found"
	case ChecksumFailed:
		return "checksum_failed"
	default:
		return "not_found"
	}
}

// Extraction is the result of Extract. Reference is set when Status is
// Found; Candidate holds the best shape match when Status is ChecksumFailed.
type Extraction struct {
	Status    ExtractionStatus
	Reference Reference
	Candidate string
}

// Extract scans remittance text for a structured reference. Separators
// inside a reference (spaces, dashes, slashes) are tolerated. Candidates are
// tried longest first and the first one with correct check digits wins.
// A reference printed in slip groups is only read whole: a typo in it is
// reported as ChecksumFailed, never as one of its shorter prefixes.
func Extract(freeText string) Extraction {
	found := candidates(freeText)
	if len(found) == 0 {
		return Extraction{Status: NotFound}
	}
	for _, c := range found {
		if scheme, ok := check(c); ok {
			return Extraction{Status: Found, Reference: Reference{Value: c, Scheme: scheme}}
		}
	}
	return Extraction{Status: ChecksumFailed, Candidate: found[0]}
}

// candidates returns every concatenation of adjacent tokens that has the
// shape of a reference, longest first.
func candidates(text string) []string {
	tokens := strings.FieldsFunc(strings.ToUpper(text), func(r rune) bool {
		return !((r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z'))
	})

	seen := make(map[string]bool)
	var out []string
	for i := range tokens {
		joined := ""
		for j := i; j < len(tokens); j++ {
			joined += tokens[j]
			if len(joined) > qrLength {
				break
			}
			if !shaped(joined) || seen[joined] {
				continue
			}
			if j+1 < len(tokens) && continuesPrinted(tokens[i:j+2]) {
				continue
			}
			seen[joined] = true
			out = append(out, joined)
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		return len(out[a]) > len(out[b])
	})
	return out
}

func shaped(s string) bool {
	return shapeRF(s) || shapeQR(s)
}

// continuesPrinted reports whether tokens read as one reference in slip
// grouping, so the last token extends the reference rather than following it.
func continuesPrinted(tokens []string) bool {
	joined := strings.Join(tokens, "")
	return shaped(joined) && Format(joined) == strings.Join(tokens, " ")
}
