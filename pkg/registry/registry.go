// Package registry is the identity resolver: the only component allowed to
// create or mutate identity records. Resolution tries credentials in a fixed
// order (explicit uuid+key, session key, display-name claim, transport
// fingerprint) and never silently adopts an existing identity: when a match
// is found without an explicit resume or force_new flag, the caller gets the
// candidate back and must choose.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CIRWEL/unitares/pkg/audit"
	"github.com/CIRWEL/unitares/pkg/cache"
	"github.com/CIRWEL/unitares/pkg/models"
	"github.com/CIRWEL/unitares/pkg/store"
)

const (
	// DefaultSessionTTL is how long a session binding lives without a touch.
	DefaultSessionTTL = time.Hour

	// maxDisplayName bounds user-chosen names.
	maxDisplayName = 128

	// createRetries is how many agent_id suffixes are tried before giving up.
	createRetries = 3
)

// Resolver owns identity records. Everything else treats identities as
// read-only and goes through the resolver for writes.
type Resolver struct {
	store      store.Store
	cache      *cache.Cache
	audit      *audit.Recorder
	sessionTTL time.Duration
	now        func() time.Time
}

// New builds a resolver. sessionTTL <= 0 selects DefaultSessionTTL.
func New(st store.Store, c *cache.Cache, rec *audit.Recorder, sessionTTL time.Duration) *Resolver {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &Resolver{
		store:      st,
		cache:      c,
		audit:      rec,
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// Resolve maps presented credentials to exactly one identity, creating a
// fresh one when nothing matches. A result with Candidate set (and Identity
// nil) means an existing identity matched but the caller did not assert
// resume or force_new; callers surface that as AMBIGUOUS_EXISTING.
func (r *Resolver) Resolve(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResult, error) {
	if req == nil {
		req = &models.ResolveRequest{}
	}

	// Path 1: explicit uuid + api key. Strongest credential, never prompts.
	if req.AgentUUID != "" || req.APIKey != "" {
		return r.resolveExplicit(ctx, req)
	}

	// Path 2: session key.
	if req.SessionKey != "" {
		return r.resolveSession(ctx, req.SessionKey)
	}

	// force_new skips every adoption path below.
	if req.ForceNew {
		return r.create(ctx, req)
	}

	// Path 3: display name claim.
	if req.DisplayName != "" {
		return r.resolveByName(ctx, req)
	}

	// Path 4: transport fingerprint.
	if req.Fingerprint != "" {
		return r.resolveByFingerprint(ctx, req)
	}

	// Nothing presented: fresh identity.
	return r.create(ctx, req)
}

func (r *Resolver) resolveExplicit(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResult, error) {
	if req.AgentUUID == "" || req.APIKey == "" {
		return nil, models.NewError(models.ErrCodeMissingParameter,
			"agent_uuid and api_key must be presented together").
			WithRecovery("present both agent_uuid and api_key, or use a session key")
	}

	identity, err := r.getIdentity(ctx, req.AgentUUID)
	if err != nil {
		return nil, err
	}
	if !verifyKey(identity.APIKeyHash, req.APIKey) {
		return nil, models.NewError(models.ErrCodeAuthFailed, "api key does not match").
			WithRecovery("rotate the key from an authenticated session, or onboard a new identity")
	}
	return r.adopt(ctx, identity)
}

// resolveSession consults the cache first and falls back to the durable
// binding table, repopulating the cache on a durable hit.
func (r *Resolver) resolveSession(ctx context.Context, sessionKey string) (*models.ResolveResult, error) {
	agentUUID, ok := r.cache.GetSession(ctx, sessionKey)
	if !ok {
		var err error
		agentUUID, err = r.store.GetSessionBinding(ctx, sessionKey)
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewError(models.ErrCodeAuthFailed, "session key is expired or unknown").
				WithRecovery("onboard again or present agent_uuid and api_key")
		}
		if err != nil {
			return nil, models.NewError(models.ErrCodeUnavailable, "session lookup failed").
				WithDetails(map[string]any{"cause": err.Error()})
		}
		r.cache.PutSession(ctx, sessionKey, agentUUID)
	}

	identity, err := r.getIdentity(ctx, agentUUID)
	if err != nil {
		return nil, err
	}

	r.cache.TouchSession(ctx, sessionKey)
	if err := r.store.TouchSessionBinding(ctx, sessionKey, r.now().Add(r.sessionTTL)); err != nil {
		slog.Warn("Session binding touch failed", "error", err)
	}
	return &models.ResolveResult{Identity: identity, SessionKey: sessionKey}, nil
}

func (r *Resolver) resolveByName(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResult, error) {
	candidates, err := r.store.GetIdentitiesByDisplayName(ctx, req.DisplayName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.ErrCodeUnavailable, "identity lookup failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}

	best := pickCandidate(candidates)
	if best == nil {
		return r.create(ctx, req)
	}

	if !req.Resume {
		return &models.ResolveResult{Candidate: candidateInfo(best)}, nil
	}

	// Adoption by name needs the claim token; the name alone is not a
	// credential.
	if req.NameClaimToken == "" {
		return nil, models.NewError(models.ErrCodeAuthFailed, "name claim token required to resume by display name").
			WithRecovery("present name_claim_token, or use agent_uuid and api_key")
	}
	claim := HashKey(req.NameClaimToken)
	if existing, ok := best.Metadata["name_claim"].(string); ok && existing != "" {
		if !constantTimeEqual(existing, claim) {
			return nil, models.NewError(models.ErrCodeAuthFailed, "name claim token does not match").
				WithRecovery("use force_new=true to create a fresh identity")
		}
	} else {
		// First claim on an unclaimed name: record the token hash so a
		// different token cannot take the identity over later.
		meta := best.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta["name_claim"] = claim
		if err := r.store.UpdateIdentityMetadata(ctx, best.UUID, meta); err != nil {
			return nil, models.NewError(models.ErrCodeUnavailable, "recording name claim failed").
				WithDetails(map[string]any{"cause": err.Error()})
		}
		best.Metadata = meta
	}
	return r.adopt(ctx, best)
}

func (r *Resolver) resolveByFingerprint(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResult, error) {
	key := FingerprintKey(req.Fingerprint)
	identity, err := r.store.GetIdentityByFingerprint(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return r.create(ctx, req)
	}
	if err != nil {
		return nil, models.NewError(models.ErrCodeUnavailable, "identity lookup failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	if identity.Status == models.AgentStatusDeleted {
		return r.create(ctx, req)
	}

	if !req.Resume {
		return &models.ResolveResult{Candidate: candidateInfo(identity)}, nil
	}
	return r.adopt(ctx, identity)
}

// adopt binds a new session to an existing identity.
func (r *Resolver) adopt(ctx context.Context, identity *models.Identity) (*models.ResolveResult, error) {
	sessionKey, err := r.mintSession(ctx, identity.UUID)
	if err != nil {
		return nil, err
	}
	return &models.ResolveResult{Identity: identity, SessionKey: sessionKey}, nil
}

// create mints a fresh identity plus its one-time api key and first session.
func (r *Resolver) create(ctx context.Context, req *models.ResolveRequest) (*models.ResolveResult, error) {
	if len(req.DisplayName) > maxDisplayName {
		return nil, models.NewError(models.ErrCodeOutOfRange,
			"display_name exceeds %d characters", maxDisplayName)
	}

	apiKey, err := mintAPIKey()
	if err != nil {
		return nil, models.NewError(models.ErrCodeInternal, "key generation failed")
	}

	now := r.now().UTC()
	identity := &models.Identity{
		UUID:         uuid.NewString(),
		DisplayName:  strings.TrimSpace(req.DisplayName),
		APIKeyHash:   HashKey(apiKey),
		Status:       models.AgentStatusActive,
		TrustTier:    models.TrustTierUnknown,
		CreatedAt:    now,
		LastUpdateAt: now,
	}
	if req.Fingerprint != "" {
		identity.Fingerprint = FingerprintKey(req.Fingerprint)
	}
	if req.Model != "" {
		identity.Metadata = map[string]any{"model": req.Model}
	}
	if req.NameClaimToken != "" && identity.DisplayName != "" {
		if identity.Metadata == nil {
			identity.Metadata = map[string]any{}
		}
		identity.Metadata["name_claim"] = HashKey(req.NameClaimToken)
	}

	// agent_id collisions are possible within one day; retry with a fresh
	// suffix rather than failing onboarding.
	for attempt := 0; ; attempt++ {
		identity.AgentID = newAgentID(req.Model, now)
		err = r.store.CreateIdentity(ctx, identity)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicate) && attempt < createRetries {
			continue
		}
		return nil, models.NewError(models.ErrCodeUnavailable, "identity creation failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}

	r.audit.RecordAction(ctx, identity.UUID, identity.UUID, models.AuditActionIdentityCreated,
		nil, map[string]any{"agent_id": identity.AgentID})
	slog.Info("Identity created", "agent_uuid", identity.UUID, "agent_id", identity.AgentID)

	sessionKey, err := r.mintSession(ctx, identity.UUID)
	if err != nil {
		return nil, err
	}
	return &models.ResolveResult{
		Identity:   identity,
		Created:    true,
		APIKey:     apiKey,
		SessionKey: sessionKey,
	}, nil
}

// mintSession issues a session key and binds it durably and in cache.
func (r *Resolver) mintSession(ctx context.Context, agentUUID string) (string, error) {
	key, err := mintSessionKey()
	if err != nil {
		return "", models.NewError(models.ErrCodeInternal, "session key generation failed")
	}
	if err := r.store.PutSessionBinding(ctx, key, agentUUID, r.now().Add(r.sessionTTL)); err != nil {
		return "", models.NewError(models.ErrCodeUnavailable, "session binding failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	r.cache.PutSession(ctx, key, agentUUID)
	return key, nil
}

// Get loads one identity.
func (r *Resolver) Get(ctx context.Context, agentUUID string) (*models.Identity, error) {
	return r.getIdentity(ctx, agentUUID)
}

// List pages identities; deleted agents are hidden unless asked for.
func (r *Resolver) List(ctx context.Context, filters models.IdentityFilters) ([]*models.Identity, int, error) {
	ids, total, err := r.store.ListIdentities(ctx, filters)
	if err != nil {
		return nil, 0, models.NewError(models.ErrCodeUnavailable, "identity listing failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	return ids, total, nil
}

// SetDisplayName renames an agent. Names are cosmetic and not unique.
func (r *Resolver) SetDisplayName(ctx context.Context, agentUUID, name string) (*models.Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.NewError(models.ErrCodeMissingParameter, "display_name is required")
	}
	if len(name) > maxDisplayName {
		return nil, models.NewError(models.ErrCodeOutOfRange,
			"display_name exceeds %d characters", maxDisplayName)
	}

	identity, err := r.getIdentity(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	if err := r.store.UpdateDisplayName(ctx, agentUUID, name); err != nil {
		return nil, models.NewError(models.ErrCodeUnavailable, "display name update failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	identity.DisplayName = name
	return identity, nil
}

// UpdateMetadata merges caller-supplied keys into the identity metadata.
// Reserved keys (name_claim) cannot be overwritten from outside.
func (r *Resolver) UpdateMetadata(ctx context.Context, agentUUID string, patch map[string]any) (*models.Identity, error) {
	identity, err := r.getIdentity(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	meta := identity.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	for k, v := range patch {
		if k == "name_claim" {
			continue
		}
		if v == nil {
			delete(meta, k)
			continue
		}
		meta[k] = v
	}
	if err := r.store.UpdateIdentityMetadata(ctx, agentUUID, meta); err != nil {
		return nil, models.NewError(models.ErrCodeUnavailable, "metadata update failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	identity.Metadata = meta
	return identity, nil
}

// UpdateTags replaces the identity's tag list.
func (r *Resolver) UpdateTags(ctx context.Context, agentUUID string, tags []string) (*models.Identity, error) {
	identity, err := r.getIdentity(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			clean = append(clean, t)
		}
	}
	if err := r.store.UpdateIdentityTags(ctx, agentUUID, clean); err != nil {
		return nil, models.NewError(models.ErrCodeUnavailable, "tag update failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	identity.Tags = clean
	return identity, nil
}

func (r *Resolver) getIdentity(ctx context.Context, agentUUID string) (*models.Identity, error) {
	identity, err := r.store.GetIdentity(ctx, agentUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.ErrCodeAgentNotFound, "agent not found").
			WithDetails(map[string]any{"agent_uuid": agentUUID}).
			WithRecovery("onboard to create an identity")
	}
	if err != nil {
		// Store trouble is never grounds for fabricating an identity.
		return nil, models.NewError(models.ErrCodeUnavailable, "identity lookup failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}
	return identity, nil
}

// pickCandidate selects the most recently active non-deleted identity.
func pickCandidate(candidates []*models.Identity) *models.Identity {
	var best *models.Identity
	for _, c := range candidates {
		if c.Status == models.AgentStatusDeleted {
			continue
		}
		if best == nil || c.LastUpdateAt.After(best.LastUpdateAt) {
			best = c
		}
	}
	return best
}

func candidateInfo(id *models.Identity) *models.ExistingCandidate {
	return &models.ExistingCandidate{
		UUID:        id.UUID,
		AgentID:     id.AgentID,
		DisplayName: id.DisplayName,
		LastActive:  id.LastUpdateAt,
	}
}

// EffectiveAgent applies the write-ownership rule: the session-bound uuid
// always wins over a caller-supplied one on write operations.
func EffectiveAgent(bound, supplied string) string {
	if bound == "" {
		return supplied
	}
	if supplied != "" && supplied != bound {
		slog.Debug("Ignoring caller-supplied agent uuid on write",
			"supplied", supplied, "session_bound", bound)
	}
	return bound
}
