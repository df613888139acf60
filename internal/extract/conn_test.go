package extract

import (
	"errors"
	"net/url"
	"testing"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnConfigDSN(t *testing.T) {
	cfg := ConnConfig{
		Host:            "caixa01",
		Instance:        "HIPER",
		Database:        "HiperPdv",
		User:            "pdv_sync",
		Password:        "p@ss;word",
		TrustServerCert: true,
	}
	parsed, err := url.Parse(cfg.DSN())
	require.NoError(t, err)
	assert.Equal(t, "sqlserver", parsed.Scheme)
	assert.Equal(t, "caixa01", parsed.Host)
	assert.Equal(t, "/HIPER", parsed.Path)
	assert.Equal(t, "pdv_sync", parsed.User.Username())
	password, _ := parsed.User.Password()
	assert.Equal(t, "p@ss;word", password)
	q := parsed.Query()
	assert.Equal(t, "HiperPdv", q.Get("database"))
	assert.Equal(t, "disable", q.Get("encrypt"))
	assert.Equal(t, "true", q.Get("TrustServerCertificate"))
	assert.Equal(t, "30", q.Get("dial timeout"))
	assert.Equal(t, `caixa01\HIPER`, cfg.Server())
}

func TestConnConfigDSNTrustedConnectionOmitsCredentials(t *testing.T) {
	cfg := ConnConfig{Host: "localhost", Database: "HiperPdv", User: "ignored", Password: "x", TrustedConnection: true, Encrypt: true}
	parsed, err := url.Parse(cfg.DSN())
	require.NoError(t, err)
	assert.Nil(t, parsed.User)
	assert.Equal(t, "true", parsed.Query().Get("encrypt"))
	assert.Equal(t, "localhost", cfg.Server())
}

func TestHintRecognizesCommonFailures(t *testing.T) {
	cfg := ConnConfig{Host: "caixa01", Instance: "HIPER", Database: "HiperPdv"}
	assert.Contains(t, Hint(mssql.Error{Number: 18456}, cfg), "login failed")
	assert.Contains(t, Hint(mssql.Error{Number: 4060}, cfg), "HiperPdv")
	assert.Contains(t, Hint(mssql.Error{Number: 229}, cfg), "GRANT SELECT")
	assert.Contains(t, Hint(errors.New("dial tcp: lookup caixa01: no such host"), cfg), `caixa01\HIPER`)
	assert.Empty(t, Hint(errors.New("something else"), cfg))
}
