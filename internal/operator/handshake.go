package operator

import (
	"encoding/json"
	"time"

	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/spine"
)

// ExitCode enumerates the operator-CLI process exit codes (spec §6).
type ExitCode int

const (
	ExitOK             ExitCode = 0
	ExitPolicyMismatch ExitCode = 2
	ExitDisarmed       ExitCode = 3
	ExitUnauthorized   ExitCode = 4
	ExitReplayDetected ExitCode = 5
)

// ExitCodeFor maps a returned error to spec §6's operator exit codes.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitOK
	}
	switch errs.KindOf(err) {
	case errs.KindPolicyMismatch:
		return ExitPolicyMismatch
	case errs.KindSystemDisarmed:
		return ExitDisarmed
	case errs.KindSignatureMismatch:
		return ExitUnauthorized
	case errs.KindReplayDetected:
		return ExitReplayDetected
	default:
		return ExitUnauthorized
	}
}

type policyHashRequest struct {
	RequestedAt time.Time `json:"requested_at"`
}

type policyHashReply struct {
	Hash string `json:"hash"`
}

// Handshake performs the boot-time policy-hash handshake over
// titan.req.exec.policy_hash.v1 (spec §4.J, §6): it publishes the
// local hash onto that subject, then compares it with the remoteHash
// argument and returns KindPolicyMismatch if they differ. An empty
// remoteHash passes. Nothing is read back from the spine.
func Handshake(sp *spine.Spine, localHash string, remoteHash string) error {
	payload, _ := json.Marshal(policyHashReply{Hash: localHash})
	if _, err := sp.Publish("titan.req.exec.policy_hash.v1", nil, payload); err != nil {
		return err
	}
	if remoteHash == "" || remoteHash == localHash {
		return nil
	}
	return errs.New(errs.KindPolicyMismatch, "policy_hash handshake mismatch: local="+localHash+" remote="+remoteHash)
}
