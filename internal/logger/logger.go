package logger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Log is the process-wide logger. It starts as a no-op so packages can log
// before Init runs (tests, library use).
var Log = zap.NewNop()

const redacted = "***REDACTED***"

var sensitiveWords = []string{"password", "passwd", "token", "secret", "apikey", "api_key", "credential"}

var (
	// key=value / key: value pairs whose key is sensitive.
	sensitiveAssign = regexp.MustCompile(`(?i)\b(` + strings.Join(quoteAll(sensitiveWords), "|") + `)(\s*[:=]\s*)('[^']*'|"[^"]*"|\S+)`)
	// user:password@ in URL style DSNs (mysql, postgres://).
	dsnPassword = regexp.MustCompile(`([A-Za-z0-9_.%-]+):([^@/\s]+)@`)
	// Bearer tokens in headers that end up in error strings.
	bearerToken = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`)
)

func quoteAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = regexp.QuoteMeta(w)
	}
	return out
}

// Init builds the global logger. debug switches to a development config with
// caller info and debug level; jsonOutput selects the JSON encoder.
func Init(debug bool, jsonOutput bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableCaller = true
	}
	if jsonOutput {
		cfg.Encoding = "json"
		// Color codes would corrupt JSON output.
		cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	} else {
		cfg.Encoding = "console"
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.DisableStacktrace = !debug

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build zap logger: %w", err)
	}
	Log = l
	Log.Debug("Logger initialized",
		zap.Bool("debug_mode", debug),
		zap.Bool("json_output", jsonOutput),
		zap.String("log_level", cfg.Level.Level().String()),
	)
	return nil
}

// Redact masks credentials in free-form text: sensitive key/value pairs,
// passwords embedded in DSNs and bearer tokens.
func Redact(s string) string {
	s = sensitiveAssign.ReplaceAllString(s, "${1}${2}"+redacted)
	s = dsnPassword.ReplaceAllString(s, "${1}:"+redacted+"@")
	s = bearerToken.ReplaceAllString(s, "${1}"+redacted)
	return s
}

// GormLogger routes gorm's logging through zap and redacts secrets from SQL
// text before it is written.
type GormLogger struct {
	log           *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

var _ gormlogger.Interface = (*GormLogger)(nil)

// NewGormLogger returns a gorm logger writing to base. In debug mode every
// statement is traced at debug level; otherwise only slow queries and errors.
func NewGormLogger(base *zap.Logger, debug bool) *GormLogger {
	level := gormlogger.Warn
	if debug {
		level = gormlogger.Info
	}
	return &GormLogger{
		log:           base.Named("gorm").WithOptions(zap.AddCallerSkip(3)),
		level:         level,
		slowThreshold: 500 * time.Millisecond,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	c := *l
	c.level = level
	return &c
}

func (l *GormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(Redact(fmt.Sprintf(msg, data...)))
	}
}

func (l *GormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(Redact(fmt.Sprintf(msg, data...)))
	}
}

func (l *GormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(Redact(fmt.Sprintf(msg, data...)))
	}
}

func (l *GormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Debug("SQL error", l.fields(sql, rows, elapsed, zap.Error(err))...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.log.Warn("Slow query", l.fields(sql, rows, elapsed, zap.Duration("threshold", l.slowThreshold))...)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.log.Debug("SQL", l.fields(sql, rows, elapsed)...)
	}
}

func (l *GormLogger) fields(sql string, rows int64, elapsed time.Duration, extra ...zap.Field) []zap.Field {
	fields := []zap.Field{
		zap.Duration("duration", elapsed.Round(time.Millisecond)),
		zap.String("sql", Redact(sql)),
	}
	if rows > -1 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	return append(fields, extra...)
}
