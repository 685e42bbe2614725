package blob

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeFilename canonicalizes an attachment filename for the
// duplicate-detection tuple (pledge_id, verified_amount, transfer_date,
// normalised_filename): Unicode NFC normalization, case-folding, then
// whitespace/punctuation stripping, so visually identical filenames sent
// through different mail clients collapse to the same key.
func NormalizeFilename(filename string) string {
	nfc := norm.NFC.String(filename)
	folded := strings.ToLower(nfc)

	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
