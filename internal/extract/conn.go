package extract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

// ConnConfig locates the PDV database.
type ConnConfig struct {
	Host              string
	Instance          string
	Database          string
	User              string
	Password          string
	TrustedConnection bool
	Encrypt           bool
	TrustServerCert   bool
	DialTimeout       time.Duration
}

// DSN renders cfg as a sqlserver:// URL. Without credentials, or with
// TrustedConnection, the driver falls back to integrated authentication.
func (c ConnConfig) DSN() string {
	u := &url.URL{Scheme: "sqlserver", Host: c.Host}
	if u.Host == "" {
		u.Host = "localhost"
	}
	if c.Instance != "" {
		u.Path = "/" + c.Instance
	}
	if !c.TrustedConnection && c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	q := url.Values{}
	if c.Database != "" {
		q.Set("database", c.Database)
	}
	if c.Encrypt {
		q.Set("encrypt", "true")
	} else {
		q.Set("encrypt", "disable")
	}
	if c.TrustServerCert {
		q.Set("TrustServerCertificate", "true")
	}
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	q.Set("dial timeout", fmt.Sprintf("%d", int(timeout.Seconds())))
	q.Set("app name", "pdvsync-agent")
	u.RawQuery = q.Encode()
	return u.String()
}

// Server is the host\instance label used in logs.
func (c ConnConfig) Server() string {
	if c.Instance == "" {
		return c.Host
	}
	return c.Host + `\` + c.Instance
}

// Open connects and pings the database.
func Open(ctx context.Context, cfg ConnConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrExtraction, cfg.Server(), err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: connect %s: %v", ErrExtraction, cfg.Server(), err)
	}
	return db, nil
}

// Hint explains the usual causes of a connection failure in operator terms.
// It returns "" when err is not recognized.
func Hint(err error, cfg ConnConfig) string {
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Number {
		case 18456:
			return "login failed: check SQL_USERNAME and SQL_PASSWORD, or create a SQL login for the service account"
		case 4060:
			return fmt.Sprintf("cannot open database %q: check SQL_DATABASE and the login's default database", cfg.Database)
		case 229, 230:
			return fmt.Sprintf("permission denied on %q: GRANT SELECT ON SCHEMA::dbo to the agent login", cfg.Database)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("timeout connecting to %s: is the SQL Server service running and reachable?", cfg.Server())
	}
	msg := strings.ToLower(fmt.Sprint(err))
	switch {
	case strings.Contains(msg, "unable to get instances from sql server browser"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection refused"):
		return fmt.Sprintf("cannot reach %s: check the instance name, the SQL Server Browser service and TCP 1433 on the firewall", cfg.Server())
	}
	return ""
}
