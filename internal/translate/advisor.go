package translate

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/logger"
)

// maxProblems caps how many failure lines are sent for one table.
const maxProblems = 20

// Advisor asks the translation service how to fix a table that failed
// verification. The answer is advice for the operator only.
type Advisor struct {
	Service Service
	Source  db.Dialect
	Target  db.Dialect
	Logger  *zap.Logger
}

// Advise returns remediation hints for table. It returns nil without error
// when no service is configured or there is nothing to explain.
func (a *Advisor) Advise(ctx context.Context, table string, problems []string) ([]Fix, error) {
	if a == nil || a.Service == nil || len(problems) == 0 {
		return nil, nil
	}
	if len(problems) > maxProblems {
		problems = problems[:maxProblems]
	}
	resp, err := a.Service.Translate(ctx, Request{
		Purpose:       PurposeRemediation,
		Table:         table,
		SourceDialect: a.Source.String(),
		TargetDialect: a.Target.String(),
		Context:       "- " + strings.Join(problems, "\n- "),
	})
	if err != nil {
		log := a.Logger
		if log == nil {
			log = logger.Log
		}
		log.Warn("No remediation hints for table", zap.String("table", table), zap.String("error", logger.Redact(err.Error())))
		return nil, err
	}
	return resp.Fixes, nil
}
