package recovery

import (
	"fmt"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
)

// Stuck classification reasons, ordered by severity. The first matching
// rule wins per agent.
const (
	ReasonCriticalMarginTimeout = "critical_margin_timeout"
	ReasonTightMarginTimeout    = "tight_margin_timeout"
	ReasonActivityTimeout       = "activity_timeout"
	ReasonCognitiveLoop         = "cognitive_loop"
	ReasonTimeBoxExceeded       = "time_box_exceeded"
)

// Detection rule thresholds.
const (
	criticalMarginAge = 5 * time.Minute
	tightMarginAge    = 15 * time.Minute
	activityAge       = 30 * time.Minute
	loopRepeats       = 3
	timeBoxAge        = 10 * time.Minute
)

// TagInvestigating marks agents running a time-boxed investigation; they
// are held to the tighter time_box_exceeded rule.
const TagInvestigating = "investigating"

// Finding is one stuck classification from a sweep.
type Finding struct {
	AgentUUID string             `json:"agent_uuid"`
	AgentID   string             `json:"agent_id"`
	Status    models.AgentStatus `json:"status"`
	Reason    string             `json:"reason"`
	Age       time.Duration      `json:"age"`
	Detail    string             `json:"detail,omitempty"`
}

// classify applies the ordered detection rules to one snapshot.
// Autonomous-tagged identities are never classified.
func classify(v *models.StateView, tracker *Tracker, now time.Time) (Finding, bool) {
	if v.HasTag(models.TagAutonomous) {
		return Finding{}, false
	}

	f := Finding{
		AgentUUID: v.AgentUUID,
		AgentID:   v.AgentID,
		Status:    v.Status,
		Age:       now.Sub(v.UpdatedAt),
	}

	switch {
	case v.Margin == models.MarginCritical && f.Age > criticalMarginAge:
		f.Reason = ReasonCriticalMarginTimeout
		f.Detail = fmt.Sprintf("critical margin with no update for %s", f.Age.Round(time.Second))
	case v.Margin == models.MarginTight && f.Age > tightMarginAge:
		f.Reason = ReasonTightMarginTimeout
		f.Detail = fmt.Sprintf("tight margin with no update for %s", f.Age.Round(time.Second))
	case f.Age > activityAge:
		f.Reason = ReasonActivityTimeout
		f.Detail = fmt.Sprintf("no update for %s", f.Age.Round(time.Second))
	default:
		if fingerprint, repeats := tracker.Repeats(v.AgentUUID); repeats >= loopRepeats {
			f.Reason = ReasonCognitiveLoop
			f.Detail = fmt.Sprintf("fingerprint %q repeated %d times", fingerprint, repeats)
			break
		}
		if v.HasTag(TagInvestigating) && f.Age > timeBoxAge {
			f.Reason = ReasonTimeBoxExceeded
			f.Detail = fmt.Sprintf("investigation without progress for %s", f.Age.Round(time.Second))
		}
	}

	return f, f.Reason != ""
}
