package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/CIRWEL/unitares/pkg/models"
)

// Key material sizes. API keys carry 256 bits of entropy; only their SHA-256
// hash is ever stored.
const (
	apiKeyBytes     = 32
	sessionKeyBytes = 16
	agentIDSuffix   = 2
)

var modelSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// HashKey returns the hex SHA-256 of a plaintext credential. The same
// function covers api keys and name claim tokens.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// verifyKey compares a presented plaintext key against the stored hash in
// constant time.
func verifyKey(storedHash, presented string) bool {
	if storedHash == "" || presented == "" {
		return false
	}
	return constantTimeEqual(storedHash, HashKey(presented))
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// FingerprintKey reduces a transport fingerprint to a stable sub-identifier:
// per-connection noise is stripped and the remainder hashed so raw transport
// details never land in the identity table.
func FingerprintKey(raw string) string {
	stable := strings.ToLower(strings.TrimSpace(raw))
	// Everything after '#' varies per connection (ports, request ids).
	if i := strings.IndexByte(stable, '#'); i >= 0 {
		stable = stable[:i]
	}
	sum := sha256.Sum256([]byte(stable))
	return hex.EncodeToString(sum[:16])
}

func mintAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("registry: mint api key: %w", err)
	}
	return "uk_" + hex.EncodeToString(buf), nil
}

func mintSessionKey() (string, error) {
	buf := make([]byte, sessionKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("registry: mint session key: %w", err)
	}
	return "us_" + hex.EncodeToString(buf), nil
}

// newAgentID builds the human-scannable id: <model>_<yyyymmdd>_<suffix>.
func newAgentID(model string, at time.Time) string {
	m := modelSanitizer.ReplaceAllString(strings.ToLower(strings.TrimSpace(model)), "-")
	m = strings.Trim(m, "-")
	if m == "" {
		m = "agent"
	}
	suffix := make([]byte, agentIDSuffix)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s_%s_%s", m, at.Format("20060102"), hex.EncodeToString(suffix))
}

// RotateKey mints a replacement api key. Only the current key holder may
// rotate; a lost key has no recovery path, the agent onboards fresh.
func (r *Resolver) RotateKey(ctx context.Context, agentUUID, currentKey string) (string, error) {
	identity, err := r.getIdentity(ctx, agentUUID)
	if err != nil {
		return "", err
	}
	if !verifyKey(identity.APIKeyHash, currentKey) {
		return "", models.NewError(models.ErrCodeAuthFailed, "current api key does not match").
			WithRecovery("onboard a new identity if the key is lost")
	}

	next, err := mintAPIKey()
	if err != nil {
		return "", models.NewError(models.ErrCodeInternal, "key generation failed")
	}
	if err := r.store.UpdateAPIKeyHash(ctx, agentUUID, HashKey(next)); err != nil {
		return "", models.NewError(models.ErrCodeUnavailable, "key rotation failed").
			WithDetails(map[string]any{"cause": err.Error()})
	}

	r.audit.RecordAction(ctx, agentUUID, agentUUID, models.AuditActionKeyRotated, nil, nil)
	return next, nil
}
