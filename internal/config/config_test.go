package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayindex/internal/indexer"
)

func TestLoadRequiresRelay(t *testing.T) {
	t.Setenv("INDEXER_RELAY", "")
	t.Setenv("INDEXER_RELAYS", "")
	t.Setenv("INDEXER_CONFIG_FILE", "")

	_, err := Load("relayindex")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, indexer.ErrNoRelay)
}

func TestLoadReportsRelayBeforeOtherProblems(t *testing.T) {
	t.Setenv("INDEXER_RELAY", "")
	t.Setenv("INDEXER_BACKEND_PROFILE", "nonsense")
	t.Setenv("INDEXER_CONCURRENCY", "-4")

	_, err := Load("relayindex")
	require.Error(t, err)
	assert.ErrorIs(t, err, indexer.ErrNoRelay)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("INDEXER_RELAYS", "wss://a.example, wss://b.example")
	t.Setenv("INDEXER_CONCURRENCY", "4")
	t.Setenv("INDEXER_RETRY_DELAY", "250ms")
	t.Setenv("INDEXER_START_SEQUENCE", "42")
	t.Setenv("INDEXER_COLLECTIONS", "app.bsky.feed.post,app.bsky.graph.follow")
	t.Setenv("INDEXER_STRICT_VALIDATION", "true")
	t.Setenv("INDEXER_PROCESS_RATE", "12.5")

	cfg, err := Load("relayindex")
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.Relays)
	ix := cfg.IndexerConfig()
	assert.Equal(t, 4, ix.Concurrency)
	assert.Equal(t, 250*time.Millisecond, ix.RetryDelay)
	require.NotNil(t, ix.StartSequence)
	assert.EqualValues(t, 42, *ix.StartSequence)
	assert.Equal(t, []string{"app.bsky.feed.post", "app.bsky.graph.follow"}, ix.Filter.Collections)
	assert.True(t, ix.Filter.StrictValidation)
	assert.Equal(t, defaultNamespace, ix.Filter.Namespace)
	assert.InDelta(t, 12.5, ix.ProcessRate, 0.0001)
	assert.Equal(t, "relayindex", cfg.OTel.ServiceName)
}

func TestZeroRetriesAndJitterMeanOff(t *testing.T) {
	t.Setenv("INDEXER_RELAY", "wss://relay.example")

	cfg, err := Load("relayindex")
	require.NoError(t, err)
	ix := cfg.IndexerConfig()
	assert.Equal(t, defaultMaxRetries, ix.MaxRetries)
	assert.InDelta(t, defaultReconnectJitter, ix.Backoff.Jitter, 0.0001)

	t.Setenv("INDEXER_MAX_RETRIES", "0")
	t.Setenv("INDEXER_RECONNECT_JITTER", "0")
	cfg, err = Load("relayindex")
	require.NoError(t, err)
	ix = cfg.IndexerConfig()
	assert.Negative(t, ix.MaxRetries, "0 retries must not fall back to the service default")
	assert.Negative(t, ix.Backoff.Jitter)
}

func TestInvalidEnvValuesFallBack(t *testing.T) {
	t.Setenv("INDEXER_RELAY", "wss://relay.example")
	t.Setenv("INDEXER_CONCURRENCY", "lots")
	t.Setenv("INDEXER_RETRY_DELAY", "soon")
	t.Setenv("INDEXER_LEXICON_WATCH", "maybe")
	t.Setenv("INDEXER_START_SEQUENCE", "latest")

	cfg, err := Load("relayindex")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Indexer.Concurrency)
	assert.Equal(t, time.Duration(0), cfg.Indexer.RetryDelay)
	assert.False(t, cfg.Lexicon.Watch)
	assert.Nil(t, cfg.Indexer.StartSequence)
}

func TestLoadYAMLThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayindex.yaml")
	body := []byte(`
relay: wss://file.example
addr: ":7070"
indexer:
  concurrency: 3
  retry_delay: 2s
  namespace: "com.example."
  start_sequence: 9
storage:
  profile: durable-local
  data_dir: /var/lib/relayindex
sinks:
  log: false
  postgres:
    dsn: postgres://localhost/records
    max_conns: 4
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))
	t.Setenv("INDEXER_CONFIG_FILE", path)
	t.Setenv("INDEXER_CONCURRENCY", "8")

	cfg, err := Load("relayindex")
	require.NoError(t, err)

	assert.Equal(t, "wss://file.example", cfg.Relay)
	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, 8, cfg.Indexer.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Indexer.RetryDelay)
	assert.Equal(t, "com.example.", cfg.Indexer.Namespace)
	require.NotNil(t, cfg.Indexer.StartSequence)
	assert.EqualValues(t, 9, *cfg.Indexer.StartSequence)
	assert.False(t, cfg.Sinks.Log)
	assert.EqualValues(t, 4, cfg.PostgresSink().MaxConns)

	dsn, err := cfg.StorageDSN()
	require.NoError(t, err)
	assert.Equal(t, "file:///var/lib/relayindex", dsn)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: [unterminated"), 0o644))
	t.Setenv("INDEXER_CONFIG_FILE", path)

	_, err := Load("relayindex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestStorageDSNProfiles(t *testing.T) {
	cases := []struct {
		name    string
		storage Storage
		want    string
		wantErr bool
	}{
		{name: "default", storage: Storage{}, want: "memory://"},
		{name: "memory", storage: Storage{Profile: "memory"}, want: "memory://"},
		{name: "explicit dsn wins", storage: Storage{DSN: "redis://cache:6379/0", Profile: "memory"}, want: "redis://cache:6379/0"},
		{name: "durable local", storage: Storage{Profile: "durable-local", DataDir: "data"}, want: "file://data"},
		{name: "sqlite", storage: Storage{Profile: "durable-sqlite", DataDir: "data"}, want: "sqlite://data/relayindex.db"},
		{name: "pebble", storage: Storage{Profile: "pebble", DataDir: "data"}, want: "pebble://data/pebble"},
		{name: "production", storage: Storage{Profile: "production", ProductionDSN: "postgres://db/state"}, want: "postgres://db/state"},
		{name: "production without dsn", storage: Storage{Profile: "prod"}, wantErr: true},
		{name: "unknown", storage: Storage{Profile: "floppy"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Relay = "wss://relay.example"
			if tc.storage.DataDir == "" {
				tc.storage.DataDir = cfg.Storage.DataDir
			}
			cfg.Storage = tc.storage

			dsn, err := cfg.StorageDSN()
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, dsn)
		})
	}
}

func TestValidate(t *testing.T) {
	base := Defaults()
	base.Relay = "wss://relay.example"
	require.NoError(t, base.Validate())

	bad := base
	bad.Relay = "ftp://relay.example"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = base
	bad.Indexer.ReconnectJitter = 1.5
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = base
	bad.Indexer.Namespace = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = base
	bad.Sinks.Graph.URL = "http://arango:8529"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

func TestIsProduction(t *testing.T) {
	cfg := Defaults()
	assert.False(t, cfg.IsProduction())
	cfg.Env = "Production"
	assert.True(t, cfg.IsProduction())
}

func TestProductionRequiresAPISecret(t *testing.T) {
	cfg := Defaults()
	cfg.Relay = "wss://relay.example"
	cfg.Env = "production"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.API.JWTSecret = "s3cret"
	assert.NoError(t, cfg.Validate())
}

func TestReadSkipsValidation(t *testing.T) {
	t.Setenv("INDEXER_RELAY", "")
	t.Setenv("INDEXER_RELAYS", "")
	t.Setenv("INDEXER_STATE_DSN", "sqlite://state/relayindex.db")

	cfg, err := Read("relayindex")
	require.NoError(t, err)
	dsn, err := cfg.StorageDSN()
	require.NoError(t, err)
	assert.Equal(t, "sqlite://state/relayindex.db", dsn)
}
