package translate

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/bluele/gcache"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/anbu0809/strata-migrate/internal/config"
	"github.com/anbu0809/strata-migrate/internal/db"
	"github.com/anbu0809/strata-migrate/internal/errs"
	"github.com/anbu0809/strata-migrate/internal/logger"
	"github.com/anbu0809/strata-migrate/internal/metrics"
)

// ClientOptions bounds how a Service is called.
type ClientOptions struct {
	Provider  string // metrics label
	Timeout   time.Duration
	Retry     db.RetryPolicy
	RPS       float64 // zero or negative disables the limiter
	CacheSize int
	Metrics   *metrics.Store
	Logger    *zap.Logger
}

// Client wraps a Service with a per-call timeout, a rate limit, capped
// retries and an LRU cache of answers. Every failure it returns is a
// TranslationServiceError.
type Client struct {
	svc     Service
	opts    ClientOptions
	cache   gcache.Cache
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewClient(svc Service, opts ClientOptions) *Client {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.Logger == nil {
		opts.Logger = logger.Log
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	return &Client{
		svc:     svc,
		opts:    opts,
		cache:   gcache.New(opts.CacheSize).LRU().Build(),
		limiter: rate.NewLimiter(limit, 1),
		log:     opts.Logger.Named("translator"),
	}
}

// NewClientFromConfig builds the configured service. It returns nil when
// translation is disabled.
func NewClientFromConfig(cfg *config.Config, apiKey string, m *metrics.Store) *Client {
	var svc Service
	httpClient := &http.Client{Timeout: cfg.TranslatorTimeout}
	switch cfg.TranslatorProvider {
	case config.TranslatorHTTP:
		svc = &HTTPService{URL: cfg.TranslatorURL, APIKey: apiKey, Client: httpClient}
	case config.TranslatorOpenAI:
		svc = &OpenAIService{URL: cfg.TranslatorURL, APIKey: apiKey, Model: cfg.OpenAIModel, Client: httpClient}
	default:
		return nil
	}
	return NewClient(svc, ClientOptions{
		Provider: string(cfg.TranslatorProvider),
		Timeout:  cfg.TranslatorTimeout,
		Retry: db.RetryPolicy{
			MaxRetries:  cfg.TranslatorMaxRetries,
			Initial:     cfg.RetryInterval,
			MaxInterval: cfg.RetryMaxInterval,
		},
		RPS:       cfg.TranslatorRPS,
		CacheSize: cfg.TranslatorCacheSize,
		Metrics:   m,
	})
}

// cacheKey ignores EntryID so identical questions from different entries
// share an answer.
func cacheKey(req Request) uint64 {
	req.EntryID = ""
	b, _ := json.Marshal(req)
	return xxhash.Sum64(b)
}

func (c *Client) Translate(ctx context.Context, req Request) (Response, error) {
	key := cacheKey(req)
	if v, err := c.cache.Get(key); err == nil {
		c.count("cached")
		return v.(Response), nil
	}

	log := c.log.With(zap.String("entry", req.EntryID), zap.String("purpose", string(req.Purpose)))
	var resp Response
	err := db.Retry(ctx, c.opts.Retry, retryableTranslation,
		func(err error, attempt int, wait time.Duration) {
			log.Warn("Retrying translation request",
				zap.Int("attempt", attempt),
				zap.Duration("wait_interval", wait),
				zap.String("error", logger.Redact(err.Error())))
		},
		func(ctx context.Context) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			callCtx, cancel := db.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
			r, err := c.svc.Translate(callCtx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	if err != nil {
		c.count("error")
		log.Warn("Translation request failed", zap.String("error", logger.Redact(err.Error())))
		return Response{}, errs.Translation("translate "+req.EntryID, errors.New(logger.Redact(err.Error())))
	}
	c.count("ok")
	_ = c.cache.Set(key, resp)
	return resp, nil
}

func (c *Client) count(result string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.TranslatorRequests.WithLabelValues(c.opts.Provider, result).Inc()
	}
}

// retryableTranslation retries network failures, timeouts, 429/5xx and
// malformed answers (a model may answer correctly on the next try).
func retryableTranslation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var me *MalformedError
	if errors.As(err, &me) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
