package transport

import (
	"encoding/json"

	"github.com/foundryfi/titan-core/internal/domain"
	"github.com/foundryfi/titan-core/internal/errs"
	"github.com/foundryfi/titan-core/internal/operator"
)

type intentPreparePayload struct {
	Type   string        `json:"type"`
	Intent domain.Intent `json:"intent"`
}

func decodeIntentPrepare(raw []byte) (domain.Intent, error) {
	var p intentPreparePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Intent{}, errs.Wrap(errs.KindMalformedIntent, "decoding intent.prepare payload", err)
	}
	return p.Intent, nil
}

type intentIDPayload struct {
	Type     string `json:"type"`
	IntentID string `json:"intent_id"`
}

func decodeIntentID(raw []byte) (string, error) {
	var p intentIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", errs.Wrap(errs.KindMalformedIntent, "decoding intent_id payload", err)
	}
	if p.IntentID == "" {
		return "", errs.New(errs.KindMalformedIntent, "missing intent_id")
	}
	return p.IntentID, nil
}

type operatorCmdPayload struct {
	Type    string           `json:"type"`
	Command operator.Command `json:"command"`
}

func decodeOperatorCmd(raw []byte) (operator.Command, error) {
	var p operatorCmdPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return operator.Command{}, errs.Wrap(errs.KindMalformedIntent, "decoding operator.cmd payload", err)
	}
	return p.Command, nil
}
