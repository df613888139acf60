package doctor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/pdvsync/internal/config"
	"github.com/agentworkforce/pdvsync/internal/extract"
	"github.com/agentworkforce/pdvsync/internal/outbox"
)

func testConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		APIEndpoint:       endpoint,
		StoreID:           10,
		StoreAlias:        "centro",
		SyncWindowMinutes: 10,
		SQLServerHost:     "pdv-01",
		SQLServerInstance: "HIPER",
		SQLDatabase:       "HiperPdv",
		DataDir:           dir,
		OutboxDSN:         filepath.Join(dir, "outbox"),
		OutboxTTL:         "168h",
		OutboxMaxRetries:  50,
	}
}

func okProbe(context.Context, extract.ConnConfig) (string, error) {
	return "Microsoft SQL Server 2019 (RTM)", nil
}

func TestRunAllChecksPass(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer server.Close()
	cfg := testConfig(t, server.URL)

	store, err := outbox.NewFileStore(cfg.OutboxDSN, outbox.Options{})
	require.NoError(t, err)
	_, err = store.Save(context.Background(), "aaaaaaaaaaaaaaaa", []byte(`{}`))
	require.NoError(t, err)

	report := Run(context.Background(), Options{Config: cfg, SQL: okProbe})
	require.True(t, report.OK(), "%+v", report.Checks)
	require.Len(t, report.Checks, 5)

	byName := map[string]Check{}
	for _, c := range report.Checks {
		byName[c.Name] = c
	}
	assert.Contains(t, byName["endpoint"].Detail, "405")
	assert.Contains(t, byName["sql_server"].Detail, `pdv-01\HIPER/HiperPdv`)
	assert.Contains(t, byName["outbox"].Detail, "1 pending, 0 dead letters")

	var out bytes.Buffer
	report.Write(&out)
	assert.Contains(t, out.String(), "all checks passed")
}

func TestRunLeavesExpiredOutboxRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()
	cfg := testConfig(t, server.URL)

	monthAgo := func() time.Time { return time.Now().Add(-30 * 24 * time.Hour) }
	store, err := outbox.NewFileStore(cfg.OutboxDSN, outbox.Options{Now: monthAgo})
	require.NoError(t, err)
	h, err := store.Save(context.Background(), "aaaaaaaaaaaaaaaa", []byte(`{}`))
	require.NoError(t, err)

	report := Run(context.Background(), Options{Config: cfg, SQL: okProbe})
	require.True(t, report.OK(), "%+v", report.Checks)
	for _, c := range report.Checks {
		if c.Name == "outbox" {
			assert.Contains(t, c.Detail, "1 pending, 0 dead letters")
		}
	}

	assert.FileExists(t, filepath.Join(cfg.OutboxDSN, string(h)))
	letters, err := store.DeadLetters().List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestRunReportsFailures(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()
	cfg := testConfig(t, endpoint)
	cfg.OutboxDSN = "redis://localhost:6379/0"

	failing := func(context.Context, extract.ConnConfig) (string, error) {
		return "", errors.New("dial tcp: lookup pdv-01: no such host")
	}
	report := Run(context.Background(), Options{Config: cfg, SQL: failing})
	assert.False(t, report.OK())

	failed := map[string]Check{}
	for _, c := range report.Checks {
		if !c.OK {
			failed[c.Name] = c
		}
	}
	assert.Contains(t, failed, "sql_server")
	assert.NotEmpty(t, failed["sql_server"].Hint)
	assert.Contains(t, failed, "endpoint")
	assert.Contains(t, failed, "outbox")

	var out bytes.Buffer
	report.Write(&out)
	assert.Contains(t, out.String(), "[FAIL]")
	assert.Contains(t, out.String(), "some checks failed")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "postgres://pdv:***@db:5432/sync", redact("postgres://pdv:s3cret@db:5432/sync"))
	assert.Equal(t, "/var/lib/pdvsync/outbox", redact("/var/lib/pdvsync/outbox"))
}
