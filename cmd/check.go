package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/job"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/schema"
	"github.com/anbu0809/strata-migrate/internal/secrets"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration, credentials and connectivity without starting a job",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	resolver, err := newResolver(cfg, logger.Log)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var results []db.CheckResult
	add := func(rs ...db.CheckResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, rs...)
	}
	result := func(label, category string, err error, detail string) db.CheckResult {
		if err != nil {
			return db.CheckResult{Label: label, Category: category, Status: db.CheckFail, Detail: logger.Redact(err.Error())}
		}
		return db.CheckResult{Label: label, Category: category, Status: db.CheckPass, Detail: detail}
	}

	sel := schema.Selection{Include: cfg.Tables, Exclude: cfg.ExcludeTables, CaseInsensitive: cfg.CaseInsensitive}
	var g errgroup.Group
	for _, side := range []struct {
		label    string
		profile  config.ConnectionProfile
		isSource bool
	}{{"source", cfg.Source, true}, {"target", cfg.Target, false}} {
		g.Go(func() error {
			creds, err := secrets.ForProfile(ctx, resolver, side.profile.SecretRef, side.profile.User, side.profile.UsernameKey, side.profile.PasswordKey)
			if err != nil {
				add(result(side.label, "credentials", err, ""))
				return nil
			}
			add(result(side.label, "credentials", nil, "resolved"))
			steps := db.Check(ctx, side.label, side.profile, creds, cfg.ConnectTimeout)
			add(steps...)
			if len(steps) == 0 || steps[len(steps)-1].Status != db.CheckPass {
				return nil
			}
			detail, err := checkSchema(ctx, cfg, side.label, side.profile, creds, sel, side.isSource)
			add(result(side.label, "schema", err, detail))
			return nil
		})
	}
	_ = g.Wait()

	store, err := job.OpenStore(cfg.StateDir)
	if err == nil {
		err = store.Ping(ctx)
		_ = store.Close()
	}
	add(result("state", "storage", err, cfg.StateDir))

	_, err = newTranslator(ctx, cfg, resolver, nil)
	add(result("translator", "config", err, string(cfg.TranslatorProvider)))

	failed := 0
	for _, r := range results {
		if r.Status == db.CheckFail {
			failed++
		}
	}
	if err := render(cmd.OutOrStdout(), results, func(w io.Writer) {
		for _, r := range results {
			fmt.Fprintf(w, "%-4s %-10s %-11s %s\n", r.Status, r.Label, r.Category, r.Detail)
			if r.SuggestedFix != "" {
				fmt.Fprintf(w, "     hint: %s\n", r.SuggestedFix)
			}
		}
	}); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}

// checkSchema captures the selected tables through a retrying connection.
// The source must contain every selected table.
func checkSchema(ctx context.Context, cfg *config.Config, label string, p config.ConnectionProfile, creds *secrets.Credentials, sel schema.Selection, isSource bool) (string, error) {
	retry := db.RetryPolicy{MaxRetries: cfg.MaxRetries, Initial: cfg.RetryInterval, MaxInterval: cfg.RetryMaxInterval}
	conn, err := db.Open(ctx, p, creds, db.OpenOptions{Label: label, Retry: retry, ConnectTimeout: cfg.ConnectTimeout, Debug: cfg.DebugMode})
	if err != nil {
		return "", err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Log.Warn("Closing connection", zap.String("label", label), zap.Error(err))
		}
	}()

	snap, err := schema.NewIntrospector(logger.Log, retry, cfg.QueryTimeout).Capture(ctx, conn, sel)
	if err != nil {
		return "", err
	}
	if isSource {
		if missing := sel.Missing(snap); len(missing) > 0 {
			return "", fmt.Errorf("selected tables not found: %v", missing)
		}
	}
	return fmt.Sprintf("%s, %d tables in scope", p.Key(), len(snap.Tables)), nil
}
