// Package config loads the closed set of environment variables and the
// operational YAML configuration the core recognizes (spec §6, §9:
// "duck-typed configuration is a closed set of named options").
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/foundryfi/titan-core/internal/errs"
)

// Env holds the process-level configuration sourced from environment
// variables. Absent critical variables cause fail-closed startup
// (spec §6).
type Env struct {
	HMACSecret      []byte
	PolicyPath      string
	SocketPath      string
	LogDir          string
	MaxOrdersPerMin int
	ClockSkew       time.Duration
	RedisAddr       string // optional
	PostgresDSN     string // optional
	AdminAddr       string
}

const (
	minSecretBytes         = 32
	defaultMaxOrdersPerMin = 60
	defaultClockSkewMS     = 5000
	defaultAdminAddr       = "127.0.0.1:7979"
	defaultSocketPath      = "/tmp/titan-core.sock"
	defaultPolicyPath      = "./policy.json"
	defaultLogDir          = "./log"
)

// LoadEnv reads and validates the environment. It never falls back for
// HMAC_SECRET: a missing or short secret is a fatal startup error.
func LoadEnv(getenv func(string) string) (*Env, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	secret := getenv("HMAC_SECRET")
	if len(secret) < minSecretBytes {
		return nil, errs.New(errs.KindMissingSecret, "HMAC_SECRET must be set and at least 32 bytes")
	}

	e := &Env{
		HMACSecret:      []byte(secret),
		PolicyPath:      orDefault(getenv("POLICY_PATH"), defaultPolicyPath),
		SocketPath:      orDefault(getenv("SOCKET_PATH"), defaultSocketPath),
		LogDir:          orDefault(getenv("LOG_DIR"), defaultLogDir),
		MaxOrdersPerMin: defaultMaxOrdersPerMin,
		ClockSkew:       time.Duration(defaultClockSkewMS) * time.Millisecond,
		RedisAddr:       getenv("REDIS_ADDR"),
		PostgresDSN:     getenv("PG_DSN"),
		AdminAddr:       orDefault(getenv("ADMIN_ADDR"), defaultAdminAddr),
	}

	if v := getenv("MAX_ORDERS_PER_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errs.Wrap(errs.KindMissingSecret, "MAX_ORDERS_PER_MIN must be an integer", err)
		}
		e.MaxOrdersPerMin = n
	}

	if v := getenv("CLOCK_SKEW_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errs.Wrap(errs.KindMissingSecret, "CLOCK_SKEW_MS must be an integer", err)
		}
		e.ClockSkew = time.Duration(n) * time.Millisecond
	}

	return e, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
