package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryfi/titan-core/internal/errs"
)

func TestDecodeIntentPrepareParsesEmbeddedIntent(t *testing.T) {
	raw := []byte(`{"type":"intent.prepare","intent":{"intent_id":"i-1","symbol":"BTC-USD","side":"long","requested_size":1,"confidence":0.9}}`)
	intent, err := decodeIntentPrepare(raw)
	require.NoError(t, err)
	assert.Equal(t, "i-1", intent.IntentID)
	assert.Equal(t, "BTC-USD", intent.Symbol)
}

func TestDecodeIntentPrepareRejectsMalformedJSON(t *testing.T) {
	_, err := decodeIntentPrepare([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, errs.KindMalformedIntent, errs.KindOf(err))
}

func TestDecodeIntentIDRequiresNonEmptyValue(t *testing.T) {
	_, err := decodeIntentID([]byte(`{"type":"intent.confirm","intent_id":""}`))
	require.Error(t, err)
	assert.Equal(t, errs.KindMalformedIntent, errs.KindOf(err))
}

func TestDecodeIntentIDReturnsValue(t *testing.T) {
	id, err := decodeIntentID([]byte(`{"type":"intent.confirm","intent_id":"i-7"}`))
	require.NoError(t, err)
	assert.Equal(t, "i-7", id)
}

func TestDecodeOperatorCmdParsesCommand(t *testing.T) {
	cmd, err := decodeOperatorCmd([]byte(`{"type":"operator.cmd","command":{"command_id":"c-1","type":"arm","initiator_id":"op-1","nonce":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "c-1", cmd.CommandID)
}
