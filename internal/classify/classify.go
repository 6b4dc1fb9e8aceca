// Package classify implements the Outcome Classifier: a fixed rule set
// mapping a stress probe's (error, timed_out) observation to an Outcome
// (spec.md §4.5).
package classify

import (
	"regexp"

	"github.com/neilt93/mcp-chaos/internal/domain"
)

// validationVocabulary and crashVocabulary are the case-insensitive pattern
// sets spec.md §4.5 fixes verbatim.
var (
	validationVocabulary = regexp.MustCompile(`(?i)invalid|required|missing|type.*expected|must be|should be|cannot be|not allowed|validation|argument|parameter|property|schema`)
	crashVocabulary       = regexp.MustCompile(`(?i)crash|segfault|exception|internal.*error|unexpected|panic|fatal|killed`)
)

// Classify applies the fixed rule set. errMessage is the error payload's
// message field, if any; timedOut reports whether the probe's deadline
// elapsed before a reply arrived.
func Classify(errMessage string, hasError bool, timedOut bool) domain.Outcome {
	if timedOut {
		return domain.OutcomeCrashOrHang
	}
	if !hasError {
		return domain.OutcomePass
	}
	if validationVocabulary.MatchString(errMessage) {
		return domain.OutcomeGracefulFail
	}
	if crashVocabulary.MatchString(errMessage) {
		return domain.OutcomeCrashOrHang
	}
	return domain.OutcomeGracefulFail
}
