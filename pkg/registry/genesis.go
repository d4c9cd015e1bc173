package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CIRWEL/unitares/pkg/models"
)

// GenesisWindow is how many initial updates feed the genesis signature.
const GenesisWindow = 5

// Trust tier thresholds. The risk bounds mirror the published verdict
// thresholds so the tiers read consistently with verdicts.
const (
	tierBoundaryUpdates = 10
	tierTrustedUpdates  = 100
	tierDegradedRisk    = 0.60
	tierTrustedRisk     = 0.30
	tierWindow          = 8
)

// AfterUpdate runs the bookkeeping a successful state update triggers:
// genesis capture once the window fills, then a trust tier refresh. Failures
// here never fail the update; they are logged and retried on the next one.
func (r *Resolver) AfterUpdate(ctx context.Context, agentUUID string) {
	identity, err := r.store.GetIdentity(ctx, agentUUID)
	if err != nil {
		slog.Warn("Post-update identity load failed", "agent_uuid", agentUUID, "error", err)
		return
	}

	history, err := r.store.GetHistory(ctx, agentUUID, models.HistorySize)
	if err != nil {
		slog.Warn("Post-update history load failed", "agent_uuid", agentUUID, "error", err)
		return
	}

	if identity.GenesisSignature == "" && len(history) >= GenesisWindow {
		sig := GenesisSignature(history[:GenesisWindow])
		if err := r.store.UpdateGenesisSignature(ctx, agentUUID, sig); err != nil {
			slog.Warn("Genesis signature capture failed", "agent_uuid", agentUUID, "error", err)
		} else {
			identity.GenesisSignature = sig
			slog.Info("Genesis signature captured", "agent_uuid", agentUUID, "signature", sig[:12])
		}
	}

	tier := deriveTrustTier(identity, history)
	if tier != identity.TrustTier {
		if err := r.store.UpdateTrustTier(ctx, agentUUID, tier); err != nil {
			slog.Warn("Trust tier update failed", "agent_uuid", agentUUID, "error", err)
			return
		}
		slog.Info("Trust tier changed", "agent_uuid", agentUUID,
			"from", identity.TrustTier, "to", tier)
	}
}

// GenesisSignature hashes the oldest captured update vectors into a fixed
// fingerprint. Immutable once stored; anomaly detection recomputes it from
// the same window to flag identity drift.
func GenesisSignature(entries []models.HistoryEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%.6f,%.6f,%.6f,%.6f;", e.E, e.I, e.S, e.V)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// deriveTrustTier maps observed behavior to an admission level:
//
//	unknown  - genesis window not yet filled
//	boundary - fewer than ten updates
//	degraded - recent risk running at or above the safety ceiling
//	trusted  - long history with consistently low risk
//	active   - everything else
func deriveTrustTier(identity *models.Identity, history []models.HistoryEntry) models.TrustTier {
	if identity.GenesisSignature == "" {
		return models.TrustTierUnknown
	}

	total := int64(len(history))
	if len(history) > 0 {
		// The ring trims at HistorySize; the last seq is the true count.
		total = history[len(history)-1].Seq
	}
	if total < tierBoundaryUpdates {
		return models.TrustTierBoundary
	}

	recent := history
	if len(recent) > tierWindow {
		recent = recent[len(recent)-tierWindow:]
	}
	var meanRisk float64
	for _, e := range recent {
		meanRisk += e.RiskScore
	}
	if len(recent) > 0 {
		meanRisk /= float64(len(recent))
	}

	switch {
	case meanRisk >= tierDegradedRisk:
		return models.TrustTierDegraded
	case total >= tierTrustedUpdates && meanRisk < tierTrustedRisk:
		return models.TrustTierTrusted
	default:
		return models.TrustTierActive
	}
}
