package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/secrets"
)

type CheckStatus string

const (
	CheckPass CheckStatus = "PASS"
	CheckFail CheckStatus = "FAIL"
	CheckSkip CheckStatus = "SKIP"
)

// CheckResult is one diagnostic step of a connection check.
type CheckResult struct {
	Label        string      `json:"label" yaml:"label"`
	Category     string      `json:"category" yaml:"category"` // dns, network, database
	Status       CheckStatus `json:"status" yaml:"status"`
	Detail       string      `json:"detail,omitempty" yaml:"detail,omitempty"`
	SuggestedFix string      `json:"suggested_fix,omitempty" yaml:"suggested_fix,omitempty"`
}

// Check diagnoses reachability of a profile step by step: DNS resolution,
// TCP reachability, then a real login and version query. Steps after the
// first failure are reported as SKIP. It never retries.
func Check(ctx context.Context, label string, p config.ConnectionProfile, creds *secrets.Credentials, timeout time.Duration) []CheckResult {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var results []CheckResult
	failed := false
	add := func(category string, err error, fix string, detail string) {
		r := CheckResult{Label: label, Category: category, Status: CheckPass, Detail: detail}
		switch {
		case failed:
			r.Status = CheckSkip
			r.Detail = ""
		case err != nil:
			failed = true
			r.Status = CheckFail
			r.Detail = logger.Redact(err.Error())
			r.SuggestedFix = fix
		}
		results = append(results, r)
	}

	if p.Dialect != string(SQLite) {
		dnsCtx, cancel := context.WithTimeout(ctx, timeout)
		addrs, err := net.DefaultResolver.LookupHost(dnsCtx, p.Host)
		cancel()
		add("dns", err, "Verify the hostname and that DNS is reachable from this machine", strings.Join(addrs, ","))

		if !failed {
			d := net.Dialer{Timeout: timeout}
			c, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.Host, strconv.Itoa(p.Port)))
			if c != nil {
				_ = c.Close()
			}
			add("network", err, fmt.Sprintf("Check that the server listens on port %d and that no firewall blocks it", p.Port), "")
		} else {
			add("network", nil, "", "")
		}
	}

	if failed {
		add("database", nil, "", "")
		return results
	}
	conn, err := Open(ctx, p, creds, OpenOptions{Label: label, ConnectTimeout: timeout})
	if err != nil {
		add("database", err, suggestFix(err), "")
		return results
	}
	defer conn.Close()

	var version string
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	query := "SELECT version()"
	if conn.Dialect == SQLite {
		query = "SELECT sqlite_version()"
	}
	err = conn.DB.WithContext(qctx).Raw(query).Scan(&version).Error
	add("database", err, "The account connected but cannot run queries; check its privileges", version)
	return results
}

func suggestFix(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28P01", "28000":
			return "Authentication failed; verify the username and the secret reference"
		case "3D000":
			return "The database does not exist; create it or fix DBNAME"
		}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1045:
			return "Authentication failed; verify the username and the secret reference"
		case 1049:
			return "The database does not exist; create it or fix DBNAME"
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "password authentication failed"), strings.Contains(msg, "access denied"):
		return "Authentication failed; verify the username and the secret reference"
	case strings.Contains(msg, "does not exist"), strings.Contains(msg, "unknown database"):
		return "The database does not exist; create it or fix DBNAME"
	case strings.Contains(msg, "ssl"), strings.Contains(msg, "tls"):
		return "TLS negotiation failed; adjust SSLMODE for this server"
	case strings.Contains(msg, "timeout"):
		return "The server did not answer in time; check network latency and CONNECT_TIMEOUT"
	}
	return "Check the connection settings for this database"
}
