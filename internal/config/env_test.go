package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeGetenv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadEnvFailsClosedWithoutSecret(t *testing.T) {
	_, err := LoadEnv(fakeGetenv(nil))
	require.Error(t, err)
}

func TestLoadEnvFailsClosedWithShortSecret(t *testing.T) {
	_, err := LoadEnv(fakeGetenv(map[string]string{"HMAC_SECRET": "too-short"}))
	require.Error(t, err)
}

func TestLoadEnvAppliesDefaults(t *testing.T) {
	secret := "a-secret-that-is-at-least-32-bytes-long"
	env, err := LoadEnv(fakeGetenv(map[string]string{"HMAC_SECRET": secret}))
	require.NoError(t, err)

	assert.Equal(t, []byte(secret), env.HMACSecret)
	assert.Equal(t, "./policy.json", env.PolicyPath)
	assert.Equal(t, "/tmp/titan-core.sock", env.SocketPath)
	assert.Equal(t, 60, env.MaxOrdersPerMin)
	assert.Equal(t, "127.0.0.1:7979", env.AdminAddr)
}

func TestLoadEnvOverridesFromEnvironment(t *testing.T) {
	secret := "a-secret-that-is-at-least-32-bytes-long"
	env, err := LoadEnv(fakeGetenv(map[string]string{
		"HMAC_SECRET":        secret,
		"SOCKET_PATH":        "/var/run/titan.sock",
		"MAX_ORDERS_PER_MIN": "15",
		"CLOCK_SKEW_MS":      "2500",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/var/run/titan.sock", env.SocketPath)
	assert.Equal(t, 15, env.MaxOrdersPerMin)
	assert.Equal(t, 2500*1000*1000, int(env.ClockSkew))
}

func TestLoadEnvRejectsNonIntegerOverride(t *testing.T) {
	secret := "a-secret-that-is-at-least-32-bytes-long"
	_, err := LoadEnv(fakeGetenv(map[string]string{
		"HMAC_SECRET":        secret,
		"MAX_ORDERS_PER_MIN": "not-a-number",
	}))
	require.Error(t, err)
}
