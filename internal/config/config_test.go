package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalEnv = `API_ENDPOINT=https://collector.example.com/v1/sales
API_TOKEN=secret
SQL_USERNAME=sa
DATA_DIR=/var/lib/pdvsync
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeEnv(t, minimalEnv))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 10*time.Minute, cfg.WindowLookback())
	assert.Equal(t, 10*time.Minute, cfg.Interval())
	assert.Equal(t, 168*time.Hour, cfg.TTL())
	assert.Equal(t, 50, cfg.OutboxMaxRetries)
	assert.Equal(t, 10, cfg.StoreID)
	assert.Equal(t, "Loja 01", cfg.StoreAlias)
	assert.Equal(t, filepath.Join("/var/lib/pdvsync", "state.json"), cfg.StateDSN)
	assert.Equal(t, filepath.Join("/var/lib/pdvsync", "outbox"), cfg.OutboxDSN)
	assert.Equal(t, filepath.Join("/var/lib/pdvsync", "agent.lock"), cfg.LockPath())
	assert.False(t, cfg.EncryptEnabled())

	policy := cfg.DeliveryPolicy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 2*time.Second, policy.Initial)
	assert.Equal(t, 30*time.Second, policy.Max)

	conn := cfg.Conn()
	assert.Equal(t, "localhost", conn.Host)
	assert.Equal(t, "HIPER", conn.Instance)
	assert.Equal(t, "HiperPdv", conn.Database)
	assert.True(t, conn.TrustServerCert)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeEnv(t, minimalEnv+"STORE_ID_PONTO_VENDA=12\n")
	t.Setenv("STORE_ID_PONTO_VENDA", "42")
	t.Setenv("SQL_ENCRYPT", "mandatory")
	t.Setenv("DELIVERY_BACKOFF_INITIAL", "250ms")
	t.Setenv("OUTBOX_DSN", "postgres://pdv@db/outbox")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.StoreID)
	assert.True(t, cfg.EncryptEnabled())
	assert.Equal(t, 250*time.Millisecond, cfg.DeliveryPolicy().Initial)
	assert.Equal(t, "postgres://pdv@db/outbox", cfg.OutboxDSN)
}

func TestMissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("API_ENDPOINT", "https://collector.example.com/v1/sales")
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("SQL_TRUSTED_CONNECTION", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.True(t, cfg.SQLTrustedConnection)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  string
		want string
	}{
		{"missing endpoint", "API_TOKEN=x\nSQL_USERNAME=sa\n", "config: API_ENDPOINT must be set"},
		{"relative endpoint", "API_ENDPOINT=/v1/sales\nAPI_TOKEN=x\nSQL_USERNAME=sa\n", "config: API_ENDPOINT must be an absolute URL"},
		{"missing token", "API_ENDPOINT=https://c.example.com\nSQL_USERNAME=sa\n", "config: API_TOKEN must be set"},
		{"bad store", minimalEnv + "STORE_ID_PONTO_VENDA=0\n", "config: STORE_ID_PONTO_VENDA must be positive"},
		{"bad jitter", minimalEnv + "SYNC_INTERVAL_JITTER=1.5\n", "config: SYNC_INTERVAL_JITTER must be in [0, 1)"},
		{"no credentials", "API_ENDPOINT=https://c.example.com\nAPI_TOKEN=x\n", "config: SQL_USERNAME must be set unless SQL_TRUSTED_CONNECTION is true"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeEnv(t, tc.env))
			require.Error(t, err)
			assert.EqualError(t, err, tc.want)
		})
	}
}

func TestInvalidDurationsFallBack(t *testing.T) {
	cfg, err := Load(writeEnv(t, minimalEnv+"SYNC_INTERVAL=soon\nOUTBOX_TTL=-1h\n"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Interval())
	assert.Equal(t, 168*time.Hour, cfg.TTL())
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeEnv(t, minimalEnv+"LOG_LEVEL=info\n")
	changes := make(chan *Config, 4)
	require.NoError(t, Watch(path, func(cfg *Config) {
		select {
		case changes <- cfg:
		default:
		}
	}, nil))

	require.NoError(t, os.WriteFile(path, []byte(minimalEnv+"LOG_LEVEL=debug\n"), 0o600))
	select {
	case cfg := <-changes:
		assert.Equal(t, "debug", cfg.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}
}

func TestWatchRequiresFile(t *testing.T) {
	err := Watch(filepath.Join(t.TempDir(), "absent.env"), func(*Config) {}, nil)
	assert.Error(t, err)
}
