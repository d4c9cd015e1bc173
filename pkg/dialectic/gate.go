package dialectic

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/CIRWEL/unitares/pkg/models"
)

// Safety gate bounds. Conditions may tune thresholds only inside these; the
// gate is not negotiable, not even by synthesis or human input.
const (
	MaxRiskThreshold      = 0.90
	MinCoherenceThreshold = 0.10
	minRootCauseChars     = 16
)

// defaultForbiddenPatterns match condition and reasoning text that tries to
// talk the runtime out of governing. Matched case-insensitively.
var defaultForbiddenPatterns = []string{
	`disable.*governance`,
	`bypass.*safety`,
	`remove.*monitor`,
	`unlimited.*risk`,
}

// vagueMarkers flag conditions with no operational content. A condition
// carrying one of these and no numeric payload cannot be checked later and
// is refused.
var vagueMarkers = []string{"maybe", "try", "later", "somehow", "eventually"}

// Gate is the safety check every synthesis and resume condition passes
// through. It is deliberately dumb: regex and bounds, no judgment calls.
type Gate struct {
	patterns []*regexp.Regexp
}

// NewGate compiles the forbidden patterns plus any configured extras.
func NewGate(extraPatterns []string) (*Gate, error) {
	all := append(append([]string{}, defaultForbiddenPatterns...), extraPatterns...)
	compiled := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("dialectic: compile gate pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Gate{patterns: compiled}, nil
}

// CheckText scans free text for forbidden patterns.
func (g *Gate) CheckText(texts ...string) error {
	for _, txt := range texts {
		for _, re := range g.patterns {
			if re.MatchString(txt) {
				return models.NewError(models.ErrCodeUnsafe,
					"forbidden pattern in proposal").
					WithDetails(map[string]any{"pattern": re.String()})
			}
		}
	}
	return nil
}

// CheckConditions enforces numeric bounds and rejects vague conditions.
func (g *Gate) CheckConditions(conditions []models.Condition) error {
	for _, c := range conditions {
		if err := g.CheckText(c.String()); err != nil {
			return err
		}
		switch c.Key {
		case "risk_threshold":
			if c.Value > MaxRiskThreshold || c.Value <= 0 {
				return models.NewError(models.ErrCodeUnsafe,
					"risk_threshold %.2f outside (0, %.2f]", c.Value, MaxRiskThreshold).
					WithDetails(map[string]any{"key": c.Key, "value": c.Value})
			}
		case "coherence_threshold":
			if c.Value < MinCoherenceThreshold || c.Value >= 1 {
				return models.NewError(models.ErrCodeUnsafe,
					"coherence_threshold %.2f outside [%.2f, 1)", c.Value, MinCoherenceThreshold).
					WithDetails(map[string]any{"key": c.Key, "value": c.Value})
			}
		}
		if isVague(c) {
			return models.NewError(models.ErrCodeUnsafe,
				"condition %q has no checkable payload", c.String()).
				WithRecovery("propose a condition with a concrete key and numeric value")
		}
	}
	return nil
}

// CheckSynthesis runs the full gate over one synthesis proposal.
func (g *Gate) CheckSynthesis(msg *models.DialecticMessage) error {
	if countNonSpace(msg.RootCause) < minRootCauseChars {
		return models.NewError(models.ErrCodeUnsafe,
			"root cause must articulate at least %d characters", minRootCauseChars).
			WithRecovery("restate the root cause with specifics")
	}
	texts := []string{msg.Reasoning, msg.RootCause}
	texts = append(texts, msg.Concerns...)
	if err := g.CheckText(texts...); err != nil {
		return err
	}
	return g.CheckConditions(msg.ProposedConditions)
}

// isVague reports conditions whose text waves at the future without a
// number to hold it to.
func isVague(c models.Condition) bool {
	if c.Value != 0 {
		return false
	}
	text := strings.ToLower(c.Kind + " " + c.Key + " " + c.Direction)
	for _, marker := range vagueMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
