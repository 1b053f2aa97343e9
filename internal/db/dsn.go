package db

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/secrets"
)

// BuildDSN renders the driver connection string. The result contains the
// password and must never be logged; use logger.Redact on anything derived
// from it.
func BuildDSN(p config.ConnectionProfile, creds *secrets.Credentials, connectTimeout time.Duration) (string, error) {
	dialect, err := ParseDialect(p.Dialect)
	if err != nil {
		return "", err
	}
	if creds == nil {
		creds = &secrets.Credentials{Username: p.User}
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	sslmode := strings.ToLower(p.SSLMode)

	switch dialect {
	case MySQL:
		mc := mysql.NewConfig()
		mc.User = creds.Username
		mc.Passwd = creds.Password
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", p.Host, p.Port)
		mc.DBName = p.DBName
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.Timeout = connectTimeout
		mc.Params = map[string]string{"charset": "utf8mb4"}
		switch sslmode {
		case "", "disable":
		case "allow", "prefer":
			mc.TLSConfig = "preferred"
		case "require":
			mc.TLSConfig = "skip-verify"
		default:
			mc.TLSConfig = "true"
		}
		return mc.FormatDSN(), nil
	case Postgres:
		if sslmode == "" {
			sslmode = "disable"
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(creds.Username, creds.Password),
			Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
			Path:   "/" + p.DBName,
		}
		q := url.Values{}
		q.Set("sslmode", sslmode)
		q.Set("connect_timeout", fmt.Sprintf("%d", int(connectTimeout.Seconds())))
		u.RawQuery = q.Encode()
		return u.String(), nil
	case SQLite:
		// no shared cache: shared-cache table locks bypass busy_timeout
		return fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", p.DBName), nil
	}
	return "", fmt.Errorf("unsupported dialect: %s", p.Dialect)
}
