// Package dialectic runs peer review for paused agents: a reviewer is
// selected by scored authority, the parties exchange signed thesis,
// antithesis, and synthesis messages, and an accepted synthesis resumes the
// paused agent through the safety gate. Humans advise; they cannot override
// the gate.
package dialectic

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/CIRWEL/unitares/pkg/models"
)

// canonicalEncoding renders a message for signing: sorted keys, no
// whitespace, signature excluded. The double marshal pushes every nested
// struct through map ordering so both sides produce identical bytes.
func canonicalEncoding(msg *models.DialecticMessage) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("dialectic: encode message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("dialectic: canonicalize message: %w", err)
	}
	delete(m, "signature")
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("dialectic: canonicalize message: %w", err)
	}
	return out, nil
}

// Sign computes the message signature: HMAC-SHA256 keyed by the author's
// stored key hash over the canonical encoding. Keying by the hash lets the
// server verify without ever holding the plaintext key; the author derives
// the same hash from the key it holds.
func Sign(apiKeyHash string, msg *models.DialecticMessage) (string, error) {
	payload, err := canonicalEncoding(msg)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(apiKeyHash))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the message signature against the author's stored key hash
// in constant time.
func Verify(apiKeyHash string, msg *models.DialecticMessage) bool {
	if msg.Signature == "" {
		return false
	}
	want, err := Sign(apiKeyHash, msg)
	if err != nil {
		return false
	}
	a, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	b, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(a, b)
}
