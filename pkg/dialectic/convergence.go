package dialectic

import (
	"strings"

	"github.com/CIRWEL/unitares/pkg/models"
)

// Convergence thresholds. A synthesis is accepted only when the parties'
// positions measurably meet, not merely when someone says "agree".
const (
	conditionOverlapMin = 0.5
	rootCauseJaccardMin = 0.3
)

// stopWords are dropped before root-cause token comparison.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {},
	"was": {}, "were": {}, "with": {},
}

// convergence is the outcome of evaluating one synthesis attempt.
type convergence struct {
	Converged        bool
	Reason           string
	ConditionOverlap float64
	RootCauseScore   float64
}

// evaluateConvergence decides whether a synthesis closes the gap between
// thesis and antithesis. All criteria must hold:
//
//   - agreement: both parties said agree, or the synthesis proposes
//     concrete conditions;
//   - condition overlap: the parties' proposed condition sets share at
//     least half their union (structural equality), with no pair adjusting
//     one key in opposite directions;
//   - root-cause alignment: the parties' root_cause statements share
//     enough vocabulary that they are arguably about the same failure.
func evaluateConvergence(thesis, antithesis, synthesis *models.DialecticMessage) convergence {
	c := convergence{
		ConditionOverlap: conditionOverlap(thesis.ProposedConditions, antithesis.ProposedConditions),
		RootCauseScore:   tokenJaccard(thesis.RootCause, antithesis.RootCause),
	}

	agreed := boolVal(thesis.Agrees) && boolVal(antithesis.Agrees)
	if !agreed && len(synthesis.ProposedConditions) == 0 {
		c.Reason = "no agreement and no proposed conditions"
		return c
	}

	if conflicting(thesis.ProposedConditions, antithesis.ProposedConditions) ||
		conflicting(synthesis.ProposedConditions, thesis.ProposedConditions) ||
		conflicting(synthesis.ProposedConditions, antithesis.ProposedConditions) {
		c.Reason = "conditions adjust the same key in opposite directions"
		return c
	}

	if c.ConditionOverlap < conditionOverlapMin {
		c.Reason = "proposed conditions do not overlap enough"
		return c
	}

	if c.RootCauseScore < rootCauseJaccardMin {
		c.Reason = "root cause analyses do not align"
		return c
	}

	c.Converged = true
	return c
}

// conditionOverlap is |intersection| / |union|: structurally equal records
// over the distinct (kind, key) knobs either party put on the table. Parties
// still haggling over one knob's value but agreed on another score 1/2, not
// 1/3. Two empty sets overlap fully; there is nothing to disagree about.
func conditionOverlap(a, b []models.Condition) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}

	knobs := map[[2]string]struct{}{}
	for _, c := range a {
		knobs[[2]string{c.Kind, c.Key}] = struct{}{}
	}
	for _, c := range b {
		knobs[[2]string{c.Kind, c.Key}] = struct{}{}
	}

	intersection := 0
	var seen []models.Condition
	for _, c := range a {
		if containsCondition(seen, c) {
			continue
		}
		seen = append(seen, c)
		if containsCondition(b, c) {
			intersection++
		}
	}
	return float64(intersection) / float64(len(knobs))
}

func containsCondition(set []models.Condition, c models.Condition) bool {
	for _, other := range set {
		if c.Equal(other) {
			return true
		}
	}
	return false
}

func conflicting(a, b []models.Condition) bool {
	for _, ca := range a {
		for _, cb := range b {
			if ca.ConflictsWith(cb) {
				return true
			}
		}
	}
	return false
}

// tokenJaccard compares two statements as lowercase token sets with stop
// words removed.
func tokenJaccard(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if _, stop := stopWords[tok]; stop || tok == "" {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

func boolVal(b *bool) bool {
	return b != nil && *b
}
