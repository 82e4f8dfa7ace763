package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/policy"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(logger.NewNopLogger(), "")
	require.NoError(t, err)

	_, err = uuid.Parse(cfg.Node.ID)
	assert.NoError(t, err, "node id defaults to a uuid")
	assert.Equal(t, ":7000", cfg.Transport.Addr)
	assert.Equal(t, 4096, cfg.Pipeline.Capacity)
	assert.Equal(t, 5*time.Second, cfg.Login.Timeout)
	assert.Equal(t, policy.Default(), cfg.Policy())
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, ClusterNone, cfg.Cluster.Backend)

	other, err := Load(logger.NewNopLogger(), "")
	require.NoError(t, err)
	assert.NotEqual(t, cfg.Node.ID, other.Node.ID)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SESSIONHUB_NODE_ID", "node-7")
	t.Setenv("SESSIONHUB_LOGIN_STRATEGY", "bounded")
	t.Setenv("SESSIONHUB_LOGIN_MAXDEVICES", "3")
	t.Setenv("SESSIONHUB_LOGIN_EVICTION", "least_active")
	t.Setenv("SESSIONHUB_SESSION_IDLETIMEOUT", "90s")
	t.Setenv("SESSIONHUB_STORE_BACKEND", "redis")
	t.Setenv("SESSIONHUB_CLUSTER_BACKEND", "nats")
	t.Setenv("SESSIONHUB_AUTH_JWTSECRET", "k")

	cfg, err := Load(logger.NewNopLogger(), "")
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.Node.ID)
	assert.Equal(t, policy.Policy{
		Strategy:   policy.StrategyBounded,
		MaxDevices: 3,
		Eviction:   policy.EvictLeastActive,
		Collision:  policy.KickOld,
	}, cfg.Policy())
	assert.Equal(t, 90*time.Second, cfg.Session.IdleTimeout)
	assert.Equal(t, ClusterNATS, cfg.Cluster.Backend)
	assert.Equal(t, "k", cfg.Auth.JWTSecret)

	ec := cfg.Engine()
	assert.Equal(t, "node-7", ec.NodeID)
	assert.Equal(t, 3, ec.Policy.MaxDevices)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  id: file-node
transport:
  addr: 127.0.0.1:9100
login:
  collision: reject_new
  timeout: 2s
redis:
  keyPrefix: im
`), 0o600))

	t.Setenv("SESSIONHUB_TRANSPORT_ADDR", "127.0.0.1:9200")

	cfg, err := Load(logger.NewNopLogger(), path)
	require.NoError(t, err)

	assert.Equal(t, "file-node", cfg.Node.ID)
	assert.Equal(t, "127.0.0.1:9200", cfg.Transport.Addr, "environment wins over file")
	assert.Equal(t, policy.RejectNew, cfg.Policy().Collision)
	assert.Equal(t, 2*time.Second, cfg.Login.Timeout)
	assert.Equal(t, "im", cfg.Redis.KeyPrefix)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Run("bare name falls back to defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load(logger.NewNopLogger(), "sessionhub")
		require.NoError(t, err)
		assert.Equal(t, ":7000", cfg.Transport.Addr)
	})

	t.Run("explicit path is an error", func(t *testing.T) {
		_, err := Load(logger.NewNopLogger(), filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown strategy":        {"SESSIONHUB_LOGIN_STRATEGY": "many"},
		"unknown collision":       {"SESSIONHUB_LOGIN_COLLISION": "ignore"},
		"bounded without devices": {"SESSIONHUB_LOGIN_STRATEGY": "bounded", "SESSIONHUB_LOGIN_MAXDEVICES": "0"},
		"unknown store":           {"SESSIONHUB_STORE_BACKEND": "etcd"},
		"unknown cluster":         {"SESSIONHUB_CLUSTER_BACKEND": "kafka", "SESSIONHUB_STORE_BACKEND": "redis"},
		"cluster on memory":       {"SESSIONHUB_CLUSTER_BACKEND": "redis"},
		"headroom too large":      {"SESSIONHUB_PIPELINE_CAPACITY": "8", "SESSIONHUB_ADMISSION_MINREMAININGCAPACITY": "8"},
		"non positive timeout":    {"SESSIONHUB_LOGIN_TIMEOUT": "0s"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}

			_, err := Load(logger.NewNopLogger(), "")
			assert.Error(t, err)
		})
	}
}
