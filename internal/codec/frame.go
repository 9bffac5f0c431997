// Package codec implements the Wire Codec (spec §4.A): framing,
// canonical-JSON signing, HMAC verification, staleness and replay
// checks. Grounded on internal/stream/envelope.go's
// checksum/Validate/NewEnvelope shape, adapted from a content checksum
// to an HMAC-SHA256 signature over canonical payload bytes.
package codec

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/policy"
)

// PayloadType enumerates payload.type values carried on the wire
// (spec §6).
type PayloadType string

const (
	TypeIntentPrepare PayloadType = "intent.prepare"
	TypeIntentConfirm PayloadType = "intent.confirm"
	TypeIntentAbort   PayloadType = "intent.abort"
	TypeOperatorCmd   PayloadType = "operator.cmd"
	TypePing          PayloadType = "ping"

	TypePrepared PayloadType = "prepared"
	TypeRejected PayloadType = "rejected"
	TypeExecuted PayloadType = "executed"
	TypeAborted  PayloadType = "aborted"
	TypePong     PayloadType = "pong"
	TypeError    PayloadType = "error"
)

// Headers carries frame provenance.
type Headers struct {
	Source string `json:"source"`
	HMAC   string `json:"hmac,omitempty"`
}

// Frame is the canonical on-the-wire unit (spec §4.A, §6).
type Frame struct {
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Headers       Headers         `json:"headers"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature"`
}

// typedPayload peels off just payload.type without committing to a
// concrete payload shape.
type typedPayload struct {
	Type PayloadType `json:"type"`
}

// PayloadTypeOf returns the payload.type tag carried inside f.Payload.
func PayloadTypeOf(f *Frame) (PayloadType, error) {
	var tp typedPayload
	if err := json.Unmarshal(f.Payload, &tp); err != nil {
		return "", errs.Wrap(errs.KindInvalidFrame, "payload missing type tag", err)
	}
	return tp.Type, nil
}

// Codec signs, verifies and frames messages with a process-wide HMAC
// secret, clock-skew budget and replay window.
type Codec struct {
	secret         []byte
	clockSkewBudget time.Duration
	replay         ReplayChecker
}

// ReplayChecker is satisfied by internal/replay.Store; kept as a narrow
// interface here to avoid an import cycle between codec and replay.
type ReplayChecker interface {
	SeenRecently(key string, window time.Duration) (bool, error)
	Remember(key string, window time.Duration) error
}

func New(secret []byte, clockSkewBudget time.Duration, replay ReplayChecker) *Codec {
	return &Codec{secret: secret, clockSkewBudget: clockSkewBudget, replay: replay}
}

// CanonicalPayloadBytes re-encodes payload with sorted keys and no
// insignificant whitespace, mirroring policy.CanonicalBytes (spec §4.A).
func CanonicalPayloadBytes(payload json.RawMessage) ([]byte, error) {
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, errs.Wrap(errs.KindInvalidFrame, "payload is not valid JSON", err)
	}
	return policy.CanonicalBytes(generic)
}

// Sign computes the frame's signature over canonical payload bytes.
func (c *Codec) Sign(f *Frame) error {
	canon, err := CanonicalPayloadBytes(f.Payload)
	if err != nil {
		return err
	}
	f.Signature = c.mac(canon)
	return nil
}

func (c *Codec) mac(canon []byte) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify enforces signature, staleness and replay checks, in that
// order, matching the fail-closed ordering in spec §4.A / §7.
func (c *Codec) Verify(f *Frame, replayWindow time.Duration, now time.Time) error {
	canon, err := CanonicalPayloadBytes(f.Payload)
	if err != nil {
		return err
	}

	want := c.mac(canon)
	if subtle.ConstantTimeCompare([]byte(want), []byte(f.Signature)) != 1 {
		return errs.New(errs.KindSignatureMismatch, "HMAC does not match frame payload")
	}

	skew := now.Sub(f.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > c.clockSkewBudget {
		return errs.New(errs.KindStale, "frame timestamp outside clock skew budget")
	}

	if c.replay != nil && f.CorrelationID != "" {
		seen, err := c.replay.SeenRecently(f.CorrelationID, replayWindow)
		if err != nil {
			return errs.Wrap(errs.KindReplayDetected, "replay check failed", err)
		}
		if seen {
			return errs.New(errs.KindReplayDetected, "correlation_id seen within replay window")
		}
		if err := c.replay.Remember(f.CorrelationID, replayWindow); err != nil {
			return errs.Wrap(errs.KindReplayDetected, "replay remember failed", err)
		}
	}

	return nil
}

// NewFrame constructs and signs a frame carrying payload.
func (c *Codec) NewFrame(correlationID, source string, payload any) (*Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidFrame, "marshaling payload", err)
	}
	f := &Frame{
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Headers:       Headers{Source: source},
		Payload:       raw,
	}
	if err := c.Sign(f); err != nil {
		return nil, err
	}
	f.Headers.HMAC = f.Signature
	return f, nil
}

// WriteFrame writes a single newline-delimited JSON frame. No length
// prefix is written; ReadFrame splits frames on the newline alone.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errs.Wrap(errs.KindInvalidFrame, "marshaling frame", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return errs.Wrap(errs.KindInvalidFrame, "writing frame", err)
	}
	return nil
}

// ReadFrame reads a single newline-delimited JSON frame from r.
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if err != io.EOF {
			return nil, errs.Wrap(errs.KindInvalidFrame, "reading frame", err)
		}
	}
	var f Frame
	if jsonErr := json.Unmarshal(line, &f); jsonErr != nil {
		return nil, errs.Wrap(errs.KindInvalidFrame, "unmarshaling frame", jsonErr)
	}
	return &f, nil
}
