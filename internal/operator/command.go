// Package operator implements the Operator Command Surface (spec §4.J):
// HMAC-signed ARM/DISARM/HALT/FLATTEN/SET_POSTURE/APPLY_PRESET commands
// with nonce/timestamp replay protection, plus the boot-time
// policy-hash handshake. Grounded on internal/stream/envelope.go's
// sign/verify shape, reused here over the Operator Command type instead
// of a wire Frame.
package operator

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/policy"
)

// Type enumerates the six operator command verbs (spec §4.J).
type Type string

const (
	Arm         Type = "ARM"
	Disarm      Type = "DISARM"
	Halt        Type = "HALT"
	Flatten     Type = "FLATTEN"
	SetPosture  Type = "SET_POSTURE"
	ApplyPreset Type = "APPLY_PRESET"
)

// Command is the Operator Command entity (spec §3 NEW data model).
// Signature is computed over every other field's canonical JSON; it is
// never itself part of the signed payload (spec §4.J: "verification
// excludes the signature field itself").
type Command struct {
	CommandID   string    `json:"command_id"`
	Type        Type      `json:"type"`
	InitiatorID string    `json:"initiator_id"`
	Reason      string    `json:"reason"`
	Nonce       uint64    `json:"nonce"`
	IssuedAt    time.Time `json:"issued_at"`
	Target      string    `json:"target,omitempty"` // e.g. preset name, posture value
	Signature   string    `json:"signature"`
}

// signable returns the struct with Signature cleared, for canonicalization.
func (c Command) signable() Command {
	c.Signature = ""
	return c
}

// Sign computes and sets c.Signature over the canonical JSON of every
// other field, keyed by secret.
func Sign(c Command, secret []byte) (Command, error) {
	canon, err := policy.CanonicalBytes(asMap(c.signable()))
	if err != nil {
		return c, err
	}
	c.Signature = mac(secret, canon)
	return c, nil
}

func asMap(c Command) map[string]any {
	data, _ := json.Marshal(c)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func mac(secret, canon []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

// NonceStore tracks the highest accepted nonce per initiator, rejecting
// replays and out-of-order commands (spec §4.J: "monotonically
// increasing nonce ... replays ... rejected").
type NonceStore interface {
	// Admit returns nil if nonce is strictly greater than the last
	// admitted nonce for initiator, recording it; otherwise it returns
	// a KindReplayDetected error.
	Admit(initiator string, nonce uint64) error
}

// Verifier checks signature, staleness and nonce, in that order.
type Verifier struct {
	secret      []byte
	nonces      NonceStore
	clockSkew   time.Duration
}

func NewVerifier(secret []byte, nonces NonceStore, clockSkew time.Duration) *Verifier {
	return &Verifier{secret: secret, nonces: nonces, clockSkew: clockSkew}
}

// Verify enforces spec §4.J's fail-closed checks.
func (v *Verifier) Verify(c Command, now time.Time) error {
	canon, err := policy.CanonicalBytes(asMap(c.signable()))
	if err != nil {
		return err
	}
	want := mac(v.secret, canon)
	if subtle.ConstantTimeCompare([]byte(want), []byte(c.Signature)) != 1 {
		return errs.New(errs.KindSignatureMismatch, "operator command signature mismatch")
	}

	skew := now.Sub(c.IssuedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.clockSkew {
		return errs.New(errs.KindStale, "operator command timestamp outside clock skew budget")
	}

	if err := v.nonces.Admit(c.InitiatorID, c.Nonce); err != nil {
		return err
	}

	return nil
}
