package blob

import "testing"

func TestNormalizeFilename_CollapsesCaseAndPunctuation(t *testing.T) {
	a := NormalizeFilename("Receipt_2026-01-15.PDF")
	b := NormalizeFilename("receipt 2026 01 15.pdf")
	if a != b {
		t.Errorf("expected case/punctuation-insensitive match, got %q vs %q", a, b)
	}
}

func TestNormalizeFilename_NFCNormalizesUnicode(t *testing.T) {
	// precomposed U+00E9 ("e" with acute accent) vs. decomposed
	// U+0065 U+0301 ("e" + combining acute accent) — visually identical,
	// different byte forms a mail client could emit either way.
	precomposed := "re" + string(rune(0x00E9)) + "u.pdf"
	decomposed := "re" + "e" + string(rune(0x0301)) + "u.pdf"
	if NormalizeFilename(precomposed) != NormalizeFilename(decomposed) {
		t.Error("expected NFC normalization to unify composed and decomposed forms")
	}
}

func TestNormalizeFilename_EmptyString(t *testing.T) {
	if NormalizeFilename("") != "" {
		t.Error("expected empty input to normalize to empty string")
	}
}
