package dialectic

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

// Reviewer authority weights. The score is a weighted sum over [0,1]
// components; an agent under minReviewerScore never reviews.
const (
	healthWeight    = 0.4
	trackWeight     = 0.3
	expertiseWeight = 0.2
	recencyWeight   = 0.1

	defaultTrackRecord = 0.5
	minReviewerScore   = 0.1

	// Reviewing the same agent twice within the window halves the score so
	// review pairs rotate.
	collusionWindow  = 24 * time.Hour
	collusionPenalty = 0.5

	recencyHalfLifeHours = 24.0
)

// candidate is one scored reviewer.
type candidate struct {
	UUID  string
	Score float64
}

// selectReviewer scores every admissible active agent and returns the best.
// Admissible means: active, not the paused agent, not autonomous-tagged,
// and not trust-degraded. Ties break on uuid so selection is deterministic.
func (m *Machine) selectReviewer(ctx context.Context, paused *models.Identity, now time.Time) (candidate, error) {
	views, err := m.store.ListSnapshots(ctx, models.AgentStatusActive)
	if err != nil {
		return candidate{}, models.NewError(models.ErrCodeUnavailable, "reviewer listing failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}

	var scored []candidate
	for _, v := range views {
		if v.AgentUUID == paused.UUID {
			continue
		}
		if v.HasTag(models.TagAutonomous) {
			continue
		}
		if v.TrustTier == models.TrustTierDegraded {
			continue
		}

		score, err := m.scoreReviewer(ctx, v, paused, now)
		if err != nil {
			return candidate{}, err
		}
		scored = append(scored, candidate{UUID: v.AgentUUID, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].UUID < scored[j].UUID
	})

	if len(scored) == 0 || scored[0].Score < minReviewerScore {
		return candidate{}, models.NewError(models.ErrCodeNoReviewer,
			"no reviewer with sufficient authority is available").
			WithRecovery("check_recovery_options", "operator_resume")
	}
	return scored[0], nil
}

// scoreReviewer computes the authority score:
//
//	0.4·health + 0.3·track_record + 0.2·expertise_overlap + 0.1·recency
//
// halved when the candidate reviewed this same agent within the collusion
// window.
func (m *Machine) scoreReviewer(ctx context.Context, v *models.StateView, paused *models.Identity, now time.Time) (float64, error) {
	health := v.Coherence * (1 - v.RiskScore)
	if health < 0 {
		health = 0
	}

	track := defaultTrackRecord
	resolved, total, err := m.store.ReviewerStats(ctx, v.AgentUUID)
	if err != nil {
		return 0, models.NewError(models.ErrCodeUnavailable, "reviewer stats failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	if total > 0 {
		track = float64(resolved) / float64(total)
	}

	expertise := jaccardTags(v.Tags, paused.Tags)

	hours := now.Sub(v.UpdatedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	recency := math.Exp(-hours / recencyHalfLifeHours)

	score := healthWeight*health + trackWeight*track +
		expertiseWeight*expertise + recencyWeight*recency

	lastReview, err := m.store.LastReviewAt(ctx, v.AgentUUID, paused.UUID)
	switch {
	case err == nil:
		if now.Sub(lastReview) < collusionWindow {
			score *= collusionPenalty
		}
	case errors.Is(err, store.ErrNotFound):
		// Never reviewed this agent; no penalty.
	default:
		return 0, models.NewError(models.ErrCodeUnavailable, "review history lookup failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}

	return score, nil
}

func jaccardTags(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := map[string]struct{}{}
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := map[string]struct{}{}
	for _, t := range b {
		setB[t] = struct{}{}
	}
	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
