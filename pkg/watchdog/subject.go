package watchdog

import "regexp"

var (
	pledgeRefRe = regexp.MustCompile(`(?i)ref:\s*(PLEDGE-\d{4}-\d+)`)
	batchRefRe  = regexp.MustCompile(`(?i)ref:\s*(BATCH-\d+)`)
)

// threadReference is the outcome of parsing a hostel-reply thread's subject
// for the correlation id the original outbound email stamped into it.
type threadReference struct {
	id      string
	isBatch bool
}

// parseThreadReference applies the precedence order spec §4.7 searches
// against: an explicit "Ref: PLEDGE-YYYY-N" before a "Ref: BATCH-N". ok is
// false when the subject carries neither and the thread is not this
// system's concern at all.
func parseThreadReference(subject string) (threadReference, bool) {
	if m := pledgeRefRe.FindStringSubmatch(subject); len(m) == 2 {
		return threadReference{id: m[1]}, true
	}
	if m := batchRefRe.FindStringSubmatch(subject); len(m) == 2 {
		return threadReference{id: m[1], isBatch: true}, true
	}
	return threadReference{}, false
}
