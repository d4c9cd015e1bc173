package observe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/registry"
	"github.com/CIRWEL/unitares/pkg/store"
)

// Anomaly kinds reported by DetectAnomalies.
const (
	AnomalyRiskSpike      = "risk_spike"
	AnomalyOscillation    = "oscillation"
	AnomalyEntropyFloor   = "entropy_floor"
	AnomalyCalibrationGap = "calibration_gap"
	AnomalyGenesisDrift   = "genesis_drift"
	AnomalyStale          = "stale"
)

// Detection thresholds over the history ring and calibration table.
const (
	riskSpikeDelta        = 0.30
	oscillationFlips      = 4
	entropyFloorMinWindow = 4
	calibrationGapMax     = 0.25
	calibrationMinSamples = 5
	staleAfter            = 30 * time.Minute
)

// Anomaly is one detected irregularity.
type Anomaly struct {
	Kind     string  `json:"kind"`
	Severity string  `json:"severity"`
	Value    float64 `json:"value"`
	Detail   string  `json:"detail"`
}

// AnomalyReport lists everything detected for one agent in one pass.
type AnomalyReport struct {
	AgentUUID string    `json:"agent_uuid"`
	Window    int       `json:"window"`
	Anomalies []Anomaly `json:"anomalies"`
	CheckedAt time.Time `json:"checked_at"`
}

// DetectAnomalies scans the agent's full history ring and calibration table.
// Rules, in report order: a risk spike well above the window mean, void
// oscillation (repeated V sign flips), entropy pinned at the floor for half
// the window, a calibration bucket whose stated confidence diverges from
// observed outcomes, first updates no longer matching the stored genesis
// fingerprint, and update staleness.
func (s *Service) DetectAnomalies(ctx context.Context, agentUUID string) (*AnomalyReport, error) {
	identity, err := s.store.GetIdentity(ctx, agentUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.ErrCodeAgentNotFound,
			"agent %s not found", agentUUID).WithRecovery("onboard")
	}
	if err != nil {
		return nil, err
	}
	view, err := s.engine.Snapshot(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	history, err := s.engine.History(ctx, agentUUID, models.HistorySize)
	if err != nil {
		return nil, err
	}

	report := &AnomalyReport{
		AgentUUID: agentUUID,
		Window:    len(history),
		Anomalies: []Anomaly{},
		CheckedAt: s.now().UTC(),
	}
	stats := windowStats(history)

	if delta := stats.MaxRisk - stats.MeanRisk; delta > riskSpikeDelta {
		severity := "warning"
		if view.Margin == models.MarginCritical {
			severity = "critical"
		}
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:     AnomalyRiskSpike,
			Severity: severity,
			Value:    delta,
			Detail: fmt.Sprintf("peak risk %.3f sits %.3f above the window mean %.3f",
				stats.MaxRisk, delta, stats.MeanRisk),
		})
	}

	if stats.VSignFlips >= oscillationFlips {
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:     AnomalyOscillation,
			Severity: "warning",
			Value:    float64(stats.VSignFlips),
			Detail: fmt.Sprintf("void integral crossed zero %d times in the last %d updates",
				stats.VSignFlips, len(history)),
		})
	}

	if len(history) >= entropyFloorMinWindow && stats.EntropyFloorHits*2 >= len(history) {
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:     AnomalyEntropyFloor,
			Severity: "warning",
			Value:    float64(stats.EntropyFloorHits),
			Detail: fmt.Sprintf("entropy pinned at the floor for %d of %d updates; reported certainty may be overstated",
				stats.EntropyFloorHits, len(history)),
		})
	}

	buckets, err := s.store.ListCalibrationBuckets(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	if worst := worstCalibrationGap(buckets); worst != nil {
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:     AnomalyCalibrationGap,
			Severity: "warning",
			Value:    worst.Deviation(),
			Detail: fmt.Sprintf("confidence bucket %d states %.2f but observes %.2f over %d samples",
				worst.Bucket, worst.Expected(), worst.Observed(), worst.Samples),
		})
	}

	// The genesis fingerprint is recomputable only while the ring still
	// holds the first updates; after rotation the stored hash stands alone.
	if identity.GenesisSignature != "" &&
		len(history) >= registry.GenesisWindow && history[0].Seq == 1 {
		if registry.GenesisSignature(history[:registry.GenesisWindow]) != identity.GenesisSignature {
			report.Anomalies = append(report.Anomalies, Anomaly{
				Kind:     AnomalyGenesisDrift,
				Severity: "critical",
				Value:    1,
				Detail: fmt.Sprintf("first %d update vectors no longer match the stored genesis fingerprint",
					registry.GenesisWindow),
			})
		}
	}

	if age := report.CheckedAt.Sub(view.UpdatedAt); age > staleAfter {
		report.Anomalies = append(report.Anomalies, Anomaly{
			Kind:     AnomalyStale,
			Severity: "warning",
			Value:    age.Seconds(),
			Detail:   fmt.Sprintf("no state update for %s", age.Truncate(time.Second)),
		})
	}

	return report, nil
}

func worstCalibrationGap(buckets []*models.CalibrationBucket) *models.CalibrationBucket {
	var worst *models.CalibrationBucket
	for _, b := range buckets {
		if b.Samples < calibrationMinSamples || b.Deviation() <= calibrationGapMax {
			continue
		}
		if worst == nil || b.Deviation() > worst.Deviation() {
			worst = b
		}
	}
	return worst
}
