package models

import "time"

// AgentStatus is the lifecycle state of an agent identity.
type AgentStatus string

const (
	// AgentStatusActive accepts governance updates.
	AgentStatusActive AgentStatus = "active"
	// AgentStatusPaused is set on a reject verdict or an explicit pause; only resume leaves it.
	AgentStatusPaused AgentStatus = "paused"
	// AgentStatusArchived freezes the identity and its state.
	AgentStatusArchived AgentStatus = "archived"
	// AgentStatusDeleted hides the identity from listings; the record persists.
	AgentStatusDeleted AgentStatus = "deleted"
)

// IsValid checks if the agent status is valid
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentStatusActive, AgentStatusPaused, AgentStatusArchived, AgentStatusDeleted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status blocks further state writes.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentStatusArchived || s == AgentStatusDeleted
}

// TrustTier is a derived admission level used by reviewer selection.
type TrustTier string

const (
	// TrustTierUnknown is assigned before the genesis signature is captured.
	TrustTierUnknown TrustTier = "unknown"
	// TrustTierBoundary covers agents with fewer than ten updates.
	TrustTierBoundary TrustTier = "boundary"
	// TrustTierActive covers agents updating normally.
	TrustTierActive TrustTier = "active"
	// TrustTierTrusted covers agents with a long clean history.
	TrustTierTrusted TrustTier = "trusted"
	// TrustTierDegraded covers agents with recent reject verdicts.
	TrustTierDegraded TrustTier = "degraded"
)

// IsValid checks if the trust tier is valid
func (t TrustTier) IsValid() bool {
	switch t {
	case TrustTierUnknown, TrustTierBoundary, TrustTierActive, TrustTierTrusted, TrustTierDegraded:
		return true
	default:
		return false
	}
}

// Identity is the canonical record for one agent. The API key is stored only
// as a hash; the plaintext is returned exactly once at creation or rotation.
type Identity struct {
	UUID             string         `json:"uuid"`
	AgentID          string         `json:"agent_id"`
	DisplayName      string         `json:"display_name,omitempty"`
	APIKeyHash       string         `json:"-"`
	GenesisSignature string         `json:"genesis_signature,omitempty"`
	Status           AgentStatus    `json:"status"`
	TrustTier        TrustTier      `json:"trust_tier"`
	Tags             []string       `json:"tags,omitempty"`
	Fingerprint      string         `json:"-"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	LastUpdateAt     time.Time      `json:"last_update_at"`
	ArchivedAt       *time.Time     `json:"archived_at,omitempty"`
}

// HasTag reports whether the identity carries the given tag.
func (id *Identity) HasTag(tag string) bool {
	for _, t := range id.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TagAutonomous marks identities excluded from stuck detection and
// reviewer selection.
const TagAutonomous = "creature/autonomous"

// ResolveRequest carries every credential a caller may present. Resolution
// tries them in order: explicit uuid+key, session key, display name claim,
// transport fingerprint.
type ResolveRequest struct {
	AgentUUID      string `json:"agent_uuid,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	SessionKey     string `json:"session_key,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
	NameClaimToken string `json:"name_claim_token,omitempty"`
	Fingerprint    string `json:"-"`
	Model          string `json:"model,omitempty"`
	Resume         bool   `json:"resume,omitempty"`
	ForceNew       bool   `json:"force_new,omitempty"`
}

// ExistingCandidate describes the identity a resolve call matched but did
// not adopt. Callers retry with resume=true to adopt it or force_new=true
// to create a fresh identity.
type ExistingCandidate struct {
	UUID        string    `json:"uuid"`
	AgentID     string    `json:"agent_id"`
	DisplayName string    `json:"display_name,omitempty"`
	LastActive  time.Time `json:"last_active"`
	UpdateCount int64     `json:"update_count"`
}

// ResolveResult is the outcome of identity resolution. Exactly one of
// Identity or Candidate is set; Candidate means AMBIGUOUS_EXISTING and the
// caller must choose resume or force_new.
type ResolveResult struct {
	Identity   *Identity          `json:"identity,omitempty"`
	Candidate  *ExistingCandidate `json:"candidate,omitempty"`
	Created    bool               `json:"created"`
	APIKey     string             `json:"api_key,omitempty"`
	SessionKey string             `json:"session_key,omitempty"`
}

// IdentityFilters narrows agent listings.
type IdentityFilters struct {
	Status         AgentStatus `json:"status,omitempty"`
	TrustTier      TrustTier   `json:"trust_tier,omitempty"`
	Tag            string      `json:"tag,omitempty"`
	IncludeDeleted bool        `json:"include_deleted,omitempty"`
	Limit          int         `json:"limit,omitempty"`
	Offset         int         `json:"offset,omitempty"`
}
