// Package observe is the read side of the governance surface: single-agent
// observations over the history ring, fleet comparison and rollups, anomaly
// detection, and the calibration telemetry table. Nothing here takes the
// write lock; results may trail a concurrent writer by one update.
package observe

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/CIRWEL/unitares/pkg/dynamics"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

// DefaultWindow is how many ring entries the window statistics cover when
// the caller does not ask for a specific depth.
const DefaultWindow = 16

// Service answers observability queries against the store and the engine's
// lock-free read surface.
type Service struct {
	store  store.Store
	engine *dynamics.Engine
	now    func() time.Time
}

func New(st store.Store, engine *dynamics.Engine) *Service {
	return &Service{store: st, engine: engine, now: time.Now}
}

// WindowStats summarize one slice of an agent's history ring. Trends are
// second-half mean minus first-half mean, so a positive risk trend means
// risk is climbing.
type WindowStats struct {
	Entries          int     `json:"entries"`
	MeanRisk         float64 `json:"mean_risk"`
	MaxRisk          float64 `json:"max_risk"`
	MeanCoherence    float64 `json:"mean_coherence"`
	MinCoherence     float64 `json:"min_coherence"`
	RiskTrend        float64 `json:"risk_trend"`
	CoherenceTrend   float64 `json:"coherence_trend"`
	VSignFlips       int     `json:"v_sign_flips"`
	EntropyFloorHits int     `json:"entropy_floor_hits"`
}

// Observation is one agent's latest view plus windowed history analysis.
type Observation struct {
	View    *models.StateView     `json:"view"`
	Window  WindowStats           `json:"window"`
	History []models.HistoryEntry `json:"history"`
}

// Observe returns the agent's snapshot and statistics over up to window
// ring entries; window <= 0 selects DefaultWindow.
func (s *Service) Observe(ctx context.Context, agentUUID string, window int) (*Observation, error) {
	view, err := s.engine.Snapshot(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	if window <= 0 {
		window = DefaultWindow
	}
	history, err := s.engine.History(ctx, agentUUID, window)
	if err != nil {
		return nil, err
	}
	return &Observation{View: view, Window: windowStats(history), History: history}, nil
}

// AgentSummary is one row of a comparison.
type AgentSummary struct {
	AgentUUID string             `json:"agent_uuid"`
	AgentID   string             `json:"agent_id"`
	Status    models.AgentStatus `json:"status"`
	Regime    models.Regime      `json:"regime"`
	Margin    models.Margin      `json:"margin"`
	Coherence float64            `json:"coherence"`
	RiskScore float64            `json:"risk_score"`
	Window    WindowStats        `json:"window"`
}

// Comparison ranks a set of agents riskiest first.
type Comparison struct {
	Agents     []AgentSummary `json:"agents"`
	RiskSpread float64        `json:"risk_spread"`
}

// Compare builds side-by-side summaries for two or more agents, ordered by
// latest risk descending with uuid as the tie-break.
func (s *Service) Compare(ctx context.Context, agentUUIDs []string) (*Comparison, error) {
	if len(agentUUIDs) < 2 {
		return nil, models.NewError(models.ErrCodeMissingParameter,
			"compare needs at least two agent uuids")
	}

	seen := make(map[string]bool, len(agentUUIDs))
	comparison := &Comparison{Agents: make([]AgentSummary, 0, len(agentUUIDs))}
	for _, uuid := range agentUUIDs {
		if seen[uuid] {
			continue
		}
		seen[uuid] = true

		view, err := s.engine.Snapshot(ctx, uuid)
		if err != nil {
			return nil, err
		}
		history, err := s.engine.History(ctx, uuid, DefaultWindow)
		if err != nil {
			return nil, err
		}
		comparison.Agents = append(comparison.Agents, AgentSummary{
			AgentUUID: view.AgentUUID,
			AgentID:   view.AgentID,
			Status:    view.Status,
			Regime:    view.Regime,
			Margin:    view.Margin,
			Coherence: view.Coherence,
			RiskScore: view.RiskScore,
			Window:    windowStats(history),
		})
	}

	sort.Slice(comparison.Agents, func(i, j int) bool {
		a, b := comparison.Agents[i], comparison.Agents[j]
		if a.RiskScore != b.RiskScore {
			return a.RiskScore > b.RiskScore
		}
		return a.AgentUUID < b.AgentUUID
	})
	if n := len(comparison.Agents); n > 0 {
		comparison.RiskSpread = comparison.Agents[0].RiskScore - comparison.Agents[n-1].RiskScore
	}
	return comparison, nil
}

// FleetMetrics is the cross-agent rollup behind aggregate_metrics.
type FleetMetrics struct {
	Agents        int            `json:"agents"`
	ByStatus      map[string]int `json:"by_status"`
	ByRegime      map[string]int `json:"by_regime"`
	ByMargin      map[string]int `json:"by_margin"`
	ByTrustTier   map[string]int `json:"by_trust_tier"`
	VoidActive    int            `json:"void_active"`
	MeanRisk      float64        `json:"mean_risk"`
	MaxRisk       float64        `json:"max_risk"`
	MeanCoherence float64        `json:"mean_coherence"`
	MinCoherence  float64        `json:"min_coherence"`
	TotalUpdates  int64          `json:"total_updates"`
}

// AggregateMetrics rolls up every agent in the given statuses; no statuses
// selects the store default (active and paused).
func (s *Service) AggregateMetrics(ctx context.Context, statuses ...models.AgentStatus) (*FleetMetrics, error) {
	views, err := s.store.ListSnapshots(ctx, statuses...)
	if err != nil {
		return nil, models.NewError(models.ErrCodeUnavailable,
			"aggregate metrics unavailable: %v", err)
	}

	m := &FleetMetrics{
		Agents:      len(views),
		ByStatus:    map[string]int{},
		ByRegime:    map[string]int{},
		ByMargin:    map[string]int{},
		ByTrustTier: map[string]int{},
	}
	for i, v := range views {
		m.ByStatus[string(v.Status)]++
		m.ByRegime[string(v.Regime)]++
		m.ByMargin[string(v.Margin)]++
		m.ByTrustTier[string(v.TrustTier)]++
		if v.V >= models.VoidActiveThreshold || v.V <= -models.VoidActiveThreshold {
			m.VoidActive++
		}
		m.MeanRisk += v.RiskScore
		m.MeanCoherence += v.Coherence
		m.TotalUpdates += v.TotalUpdates
		if v.RiskScore > m.MaxRisk {
			m.MaxRisk = v.RiskScore
		}
		if i == 0 || v.Coherence < m.MinCoherence {
			m.MinCoherence = v.Coherence
		}
	}
	if len(views) > 0 {
		m.MeanRisk /= float64(len(views))
		m.MeanCoherence /= float64(len(views))
	}
	return m, nil
}

// CalibrationRow is one confidence bucket of the calibration table.
type CalibrationRow struct {
	Bucket    int     `json:"bucket"`
	Samples   int64   `json:"samples"`
	Expected  float64 `json:"expected"`
	Observed  float64 `json:"observed"`
	Deviation float64 `json:"deviation"`
}

// Telemetry is the per-agent counter and calibration report.
type Telemetry struct {
	AgentUUID              string           `json:"agent_uuid"`
	AgentID                string           `json:"agent_id"`
	TotalUpdates           int64            `json:"total_updates"`
	Lambda1SkipCount       int64            `json:"lambda1_skip_count"`
	LockedPersistenceCount int              `json:"locked_persistence_count"`
	GenesisCaptured        bool             `json:"genesis_captured"`
	Calibration            []CalibrationRow `json:"calibration"`
	// CalibrationDeviation is the sample-weighted mean expected-vs-observed
	// gap; zero while the table is cold.
	CalibrationDeviation float64 `json:"calibration_deviation"`
}

// Telemetry exposes the counters and the calibration table for one agent.
func (s *Service) Telemetry(ctx context.Context, agentUUID string) (*Telemetry, error) {
	identity, err := s.store.GetIdentity(ctx, agentUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.ErrCodeAgentNotFound,
			"agent %s not found", agentUUID).WithRecovery("onboard")
	}
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		AgentUUID:       identity.UUID,
		AgentID:         identity.AgentID,
		GenesisCaptured: identity.GenesisSignature != "",
		Calibration:     []CalibrationRow{},
	}

	state, err := s.store.GetState(ctx, agentUUID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No updates yet; counters stay zero.
	case err != nil:
		return nil, err
	default:
		t.TotalUpdates = state.TotalUpdates
		t.Lambda1SkipCount = state.Lambda1SkipCount
		t.LockedPersistenceCount = state.LockedPersistenceCount
	}

	buckets, err := s.store.ListCalibrationBuckets(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	var samples int64
	var weighted float64
	for _, b := range buckets {
		t.Calibration = append(t.Calibration, CalibrationRow{
			Bucket:    b.Bucket,
			Samples:   b.Samples,
			Expected:  b.Expected(),
			Observed:  b.Observed(),
			Deviation: b.Deviation(),
		})
		samples += b.Samples
		weighted += float64(b.Samples) * b.Deviation()
	}
	if samples > 0 {
		t.CalibrationDeviation = weighted / float64(samples)
	}
	return t, nil
}

func windowStats(entries []models.HistoryEntry) WindowStats {
	stats := WindowStats{Entries: len(entries)}
	if len(entries) == 0 {
		return stats
	}

	stats.MinCoherence = entries[0].Coherence
	lastSign := 0
	for _, e := range entries {
		stats.MeanRisk += e.RiskScore
		stats.MeanCoherence += e.Coherence
		if e.RiskScore > stats.MaxRisk {
			stats.MaxRisk = e.RiskScore
		}
		if e.Coherence < stats.MinCoherence {
			stats.MinCoherence = e.Coherence
		}
		if e.S <= dynamics.SMin {
			stats.EntropyFloorHits++
		}
		// Zero V carries no sign; flips count strict crossings.
		sign := 0
		switch {
		case e.V > 0:
			sign = 1
		case e.V < 0:
			sign = -1
		}
		if sign != 0 {
			if lastSign != 0 && sign != lastSign {
				stats.VSignFlips++
			}
			lastSign = sign
		}
	}
	n := float64(len(entries))
	stats.MeanRisk /= n
	stats.MeanCoherence /= n

	if len(entries) >= 2 {
		half := len(entries) / 2
		stats.RiskTrend = meanRisk(entries[half:]) - meanRisk(entries[:half])
		stats.CoherenceTrend = meanCoherence(entries[half:]) - meanCoherence(entries[:half])
	}
	return stats
}

func meanRisk(entries []models.HistoryEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += e.RiskScore
	}
	return sum / float64(len(entries))
}

func meanCoherence(entries []models.HistoryEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += e.Coherence
	}
	return sum / float64(len(entries))
}
