package ingest

import "regexp"

var (
	explicitPledgeRe  = regexp.MustCompile(`PLEDGE-\d{4}-\d+`)
	refRe             = regexp.MustCompile(`(?i)ref:\s*([A-Za-z0-9-]+)`)
	batchRe           = regexp.MustCompile(`BATCH-\d+`)
	numericFallbackRe = regexp.MustCompile(`\d+`)
)

// subjectMatch is the outcome of parsing a thread subject for a pledge
// reference, per spec §4.5 step 2's regex precedence. isBatch is set when
// the subject names a batch rather than a single pledge — that thread
// belongs to the Reply Watchdog (C7), not the ingestor.
type subjectMatch struct {
	pledgeID string
	isBatch  bool
}

// parseSubjectReference applies the precedence order: explicit
// PLEDGE-YYYY-N+ → Ref: <id> → BATCH-N+ → a permissive numeric fallback.
// ok is false when nothing in the subject looks like a reference at all.
func parseSubjectReference(subject string) (subjectMatch, bool) {
	if m := explicitPledgeRe.FindString(subject); m != "" {
		return subjectMatch{pledgeID: m}, true
	}
	if m := refRe.FindStringSubmatch(subject); len(m) == 2 {
		ref := m[1]
		if batchRe.MatchString(ref) {
			return subjectMatch{isBatch: true}, true
		}
		return subjectMatch{pledgeID: ref}, true
	}
	if batchRe.MatchString(subject) {
		return subjectMatch{isBatch: true}, true
	}
	if m := numericFallbackRe.FindString(subject); m != "" {
		return subjectMatch{pledgeID: m}, true
	}
	return subjectMatch{}, false
}
