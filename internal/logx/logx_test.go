package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToNonTerminalWriter(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf)

	log.Info().Str("component", "test").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "test", entry["component"])
}

func TestInitDefaultsToStderrWhenNilWriterGiven(t *testing.T) {
	assert.NotPanics(t, func() { Init(nil) })
}

func TestForTagsComponentName(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf)

	logger := For("shadow")
	logger.Info().Msg("ready")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shadow", entry["component"])
}
